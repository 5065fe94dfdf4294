package infer

import "unicode/utf8"

// SanitizeUTF8 removes invalid byte sequences from s and returns a valid
// UTF-8 string. Tokenizers can split a multi-byte rune across token
// boundaries, and the JSON encoder must never see the dangling half.
//
// Well-formed sequences are copied intact; at any malformed position one
// byte is skipped and the scan resumes. No replacement characters are
// inserted, so every scalar value in the output appeared in the input.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}

	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size <= 1 {
			i++
			continue
		}
		out = append(out, s[i:i+size]...)
		i += size
	}
	return string(out)
}
