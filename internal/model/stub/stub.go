// Package stub provides a deterministic in-process model runtime used by the
// test suite and by development deployments without a native inference
// library. It registers itself under the "stub" scheme; pass
// --model stub:anything to run the gateway against it.
//
// The stub "model" parrots: a generation replays the prompt's own tokens
// (Repeat times) and then emits the end-of-generation token. Output is a
// pure function of the prompt, which lets tests predict the exact streamed
// pieces. An optional per-token delay makes timing-sensitive behaviour
// (abort latency, time-to-first-token) observable.
package stub

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jota/gateway/internal/model"
)

const (
	bosToken model.Token = 1
	eogToken model.Token = 2
	// firstWordToken is the id assigned to the first novel word.
	firstWordToken model.Token = 16
)

// FailWord, when present in a prompt, makes the context's continuation
// Decode calls fail. Tests use it to exercise the decoder-failure path.
const FailWord = "__decode_fail__"

// Runtime is the stub backend. The zero value is valid: one replay of the
// prompt, no delay.
type Runtime struct {
	// Repeat is how many times the prompt is replayed before EOG; values
	// below 1 are treated as 1.
	Repeat int
	// Delay is slept before each sampled token.
	Delay time.Duration
}

func init() {
	model.Register("stub", Runtime{})
}

// InitBackend implements model.Runtime.
func (Runtime) InitBackend() {}

// LoadModel implements model.Runtime. Any path is accepted except the empty
// string and the literal "missing", which simulate an unloadable model file.
func (r Runtime) LoadModel(path string, _ model.Options) (model.Model, error) {
	if path == "" || path == "missing" {
		return nil, errors.New("stub: model file not found: " + path)
	}
	repeat := r.Repeat
	if repeat < 1 {
		repeat = 1
	}
	return &stubModel{
		repeat: repeat,
		delay:  r.Delay,
		vocab:  map[string]model.Token{},
		words:  map[model.Token]string{},
		next:   firstWordToken,
	}, nil
}

// stubModel assigns token ids to words on first sight. The vocabulary is
// shared by all contexts of the model, mirroring a real runtime.
type stubModel struct {
	repeat int
	delay  time.Duration

	mu    sync.Mutex
	vocab map[string]model.Token
	words map[model.Token]string
	next  model.Token

	closed bool
}

func (m *stubModel) tokenFor(word string) model.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.vocab[word]; ok {
		return t
	}
	t := m.next
	m.next++
	m.vocab[word] = t
	m.words[t] = word
	return t
}

// Tokenize implements model.Model: one token per whitespace-separated word.
func (m *stubModel) Tokenize(text string, addBOS bool) ([]model.Token, error) {
	if m.closed {
		return nil, errors.New("stub: model closed")
	}
	var toks []model.Token
	if addBOS {
		toks = append(toks, bosToken)
	}
	for _, w := range strings.Fields(text) {
		toks = append(toks, m.tokenFor(w))
	}
	return toks, nil
}

// Detokenize implements model.Model. Word tokens render with a leading
// space, the way subword runtimes emit pieces.
func (m *stubModel) Detokenize(tok model.Token) string {
	if tok == bosToken || tok == eogToken {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.words[tok]
	if !ok {
		return ""
	}
	return " " + w
}

// IsEOG implements model.Model.
func (m *stubModel) IsEOG(tok model.Token) bool { return tok == eogToken }

// NewContext implements model.Model.
func (m *stubModel) NewContext(ctxSize int) (model.Context, error) {
	if m.closed {
		return nil, errors.New("stub: model closed")
	}
	if ctxSize <= 0 {
		return nil, errors.New("stub: context size must be positive")
	}
	return &stubContext{m: m, ctxSize: ctxSize}, nil
}

// Close implements model.Model.
func (m *stubModel) Close() { m.closed = true }

// stubContext replays the prompt. Not safe for concurrent use, matching the
// model.Context contract.
type stubContext struct {
	m       *stubModel
	ctxSize int

	// prompt is captured from the first Decode after Clear.
	prompt []model.Token
	// cursor is the index of the next replayed token; iterates the prompt
	// (minus BOS) repeat times before EOG.
	cursor int
	// failing is set when the prompt contains FailWord; continuation
	// decodes then fail.
	failing   bool
	primed    bool
	positions int
	closed    bool
}

// Clear implements model.Context.
func (c *stubContext) Clear() {
	c.prompt = nil
	c.cursor = 0
	c.primed = false
	c.failing = false
	c.positions = 0
}

// Decode implements model.Context.
func (c *stubContext) Decode(tokens []model.Token, pos int) error {
	if c.closed {
		return errors.New("stub: context closed")
	}
	if pos+len(tokens) > c.ctxSize {
		return errors.New("stub: context window exceeded")
	}

	if !c.primed {
		// Prompt batch: remember the words to parrot back.
		for _, t := range tokens {
			if t == bosToken {
				continue
			}
			c.prompt = append(c.prompt, t)
			c.m.mu.Lock()
			if c.m.words[t] == FailWord {
				c.failing = true
			}
			c.m.mu.Unlock()
		}
		c.primed = true
		c.positions = pos + len(tokens)
		return nil
	}

	if c.failing {
		return errors.New("stub: decode failed")
	}
	c.positions = pos + len(tokens)
	return nil
}

// SampleNext implements model.Context.
func (c *stubContext) SampleNext() model.Token {
	if c.m.delay > 0 {
		time.Sleep(c.m.delay)
	}
	total := len(c.prompt) * c.m.repeat
	if c.cursor >= total || len(c.prompt) == 0 {
		return eogToken
	}
	t := c.prompt[c.cursor%len(c.prompt)]
	c.cursor++
	return t
}

// Close implements model.Context.
func (c *stubContext) Close() { c.closed = true }
