// Package model defines the black-box surface of the underlying language
// model runtime: loading a model, deriving per-conversation contexts,
// tokenization, batch decoding, next-token sampling, and detokenization.
//
// The gateway drives these interfaces and never assumes a concrete
// implementation. Runtimes register themselves by scheme, in the manner of
// database/sql drivers: the stub runtime registers as "stub" from its
// package init, and a native llama.cpp binding can register as "gguf" from a
// cgo build without any gateway code changing.
//
// # Thread safety
//
// A Model may be shared across goroutines. A Context is NOT safe for
// concurrent use: the dispatcher guarantees at most one goroutine drives a
// given context at a time. The runtime backend is initialised exactly once
// per process, before the first model load.
package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Token is a runtime-specific token id.
type Token int32

// Options carries model-load parameters.
type Options struct {
	// GPULayers is the number of layers to offload; AllLayers semantics are
	// runtime-defined (99 conventionally means "everything").
	GPULayers int
	// UseMMap maps the model file instead of reading it.
	UseMMap bool
	// UseMLock pins model pages in memory.
	UseMLock bool
}

// Runtime is a loadable inference backend.
type Runtime interface {
	// InitBackend performs process-wide backend initialisation. Open
	// guarantees it runs at most once per process, before any LoadModel.
	InitBackend()
	// LoadModel loads the model at path.
	LoadModel(path string, opts Options) (Model, error)
}

// Model is a loaded model shared by all sessions.
type Model interface {
	// NewContext derives a fresh generation context with a ctxSize-token
	// window.
	NewContext(ctxSize int) (Context, error)
	// Tokenize splits text into tokens, optionally prefixing the
	// beginning-of-sequence token.
	Tokenize(text string, addBOS bool) ([]Token, error)
	// Detokenize renders one token as its text piece. The piece may be a
	// partial UTF-8 sequence; callers sanitize before emitting JSON.
	Detokenize(tok Token) string
	// IsEOG reports whether tok is an end-of-generation token.
	IsEOG(tok Token) bool
	// Close releases the model. No context derived from it may be used
	// afterwards.
	Close()
}

// Context is a single conversation's decoding state, including its KV cache.
type Context interface {
	// Clear resets the KV cache so the context can serve a new prompt.
	Clear()
	// Decode submits tokens starting at position pos as one batch, marking
	// the final position for logits.
	Decode(tokens []Token, pos int) error
	// SampleNext greedily samples the next token from the last decoded
	// logits. Temperature-based sampling is a named extension; the
	// baseline is deterministic argmax.
	SampleNext() Token
	// Close frees the context.
	Close()
}

var (
	driversMu sync.Mutex
	drivers   = make(map[string]Runtime)

	backendOnce sync.Once
)

// Register makes a runtime available under scheme. It panics on a duplicate
// registration, mirroring database/sql.Register.
func Register(scheme string, rt Runtime) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if rt == nil {
		panic("model: Register runtime is nil")
	}
	if _, dup := drivers[scheme]; dup {
		panic("model: Register called twice for scheme " + scheme)
	}
	drivers[scheme] = rt
}

// Schemes returns the registered scheme names, sorted.
func Schemes() []string {
	driversMu.Lock()
	defer driversMu.Unlock()
	out := make([]string, 0, len(drivers))
	for s := range drivers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open loads the model identified by ref. A ref of the form "scheme:rest"
// selects the runtime registered for scheme and passes rest as the path;
// any other ref selects the default "gguf" runtime with the ref as path.
//
// The selected runtime's backend is initialised exactly once per process
// before the load.
func Open(ref string, opts Options) (Model, error) {
	scheme := "gguf"
	path := ref
	if i := strings.Index(ref, ":"); i > 0 {
		if _, ok := lookup(ref[:i]); ok {
			scheme = ref[:i]
			path = ref[i+1:]
		}
	}

	rt, ok := lookup(scheme)
	if !ok {
		return nil, fmt.Errorf("model: no runtime registered for %q (registered: %s)",
			scheme, strings.Join(Schemes(), ", "))
	}

	backendOnce.Do(rt.InitBackend)

	m, err := rt.LoadModel(path, opts)
	if err != nil {
		return nil, fmt.Errorf("model: load %q: %w", ref, err)
	}
	return m, nil
}

func lookup(scheme string) (Runtime, bool) {
	driversMu.Lock()
	defer driversMu.Unlock()
	rt, ok := drivers[scheme]
	return rt, ok
}
