// Package envfile loads ".env"-style configuration files into an in-memory
// key/value map with fallback to the process environment.
//
// # File format
//
// One KEY=VALUE pair per line. Everything from '#' to the end of the line is
// a comment. Keys and values are trimmed of surrounding whitespace; values
// wrapped in matching single or double quotes have the quotes stripped. When
// a key appears more than once the last occurrence wins. Lines without '='
// are ignored.
//
// # Lookup order
//
// Get consults the loaded file first and falls back to os.Getenv, so values
// exported in the shell remain visible even when the file omits them.
package envfile

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// DefaultPaths are the locations tried, in order, by LoadDefault. The parent
// directory is included because the server is commonly launched from a
// build/ subdirectory.
var DefaultPaths = []string{".env", "../.env"}

// Env is an immutable snapshot of a parsed .env file. The zero value is
// usable and behaves like an empty file (all lookups fall through to the
// process environment).
type Env struct {
	values map[string]string
	// Path is the file the snapshot was loaded from; empty for the zero
	// value.
	Path string
}

// Load reads and parses the .env file at path.
func Load(path string) (*Env, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("envfile: open %q: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()

		// Strip comments before splitting so "KEY=VALUE # note" parses.
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}

		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		val = unquote(val)
		if key == "" {
			continue
		}
		values[key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("envfile: read %q: %w", path, err)
	}

	return &Env{values: values, Path: path}, nil
}

// LoadDefault tries each entry of DefaultPaths and returns the first file
// that can be loaded. When none exists it returns an empty Env and a nil
// error: a missing .env file is not fatal, it merely means every lookup
// falls through to the process environment.
func LoadDefault() (*Env, error) {
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		return Load(p)
	}
	return &Env{}, nil
}

// Get returns the value for key, preferring the loaded file over the process
// environment. When the key is absent from both, def is returned.
func (e *Env) Get(key, def string) string {
	if e != nil {
		if v, ok := e.values[key]; ok {
			return v
		}
	}
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// Has reports whether key is present in the loaded file itself (the process
// environment is not consulted).
func (e *Env) Has(key string) bool {
	if e == nil {
		return false
	}
	_, ok := e.values[key]
	return ok
}

// unquote strips one layer of matching single or double quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
