// Package tokenizer estimates token counts for prompt budgeting. It uses
// tiktoken encodings when available and falls back to a chars/4 heuristic,
// so estimation never fails at runtime.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// CharsPerToken is the approximate character-to-token ratio used when no
// encoding is available.
const CharsPerToken = 4

// Estimator counts tokens for a model.
type Estimator struct {
	mu       sync.Mutex
	model    string
	encoding *tiktoken.Tiktoken
	tried    bool
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

// New creates an estimator for the given model. The encoding is resolved
// lazily on first use; an unresolvable model degrades to the heuristic.
func New(model string) *Estimator {
	return &Estimator{model: model}
}

func (e *Estimator) resolve() *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tried {
		return e.encoding
	}
	e.tried = true

	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()
	if enc, ok := encodingCache[e.model]; ok {
		e.encoding = enc
		return enc
	}

	enc, err := tiktoken.EncodingForModel(e.model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}
	encodingCache[e.model] = enc
	e.encoding = enc
	return enc
}

// Count returns the estimated token count of text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.resolve(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Heuristic(text)
}

// Heuristic estimates tokens as ceil(len/4) without an encoding.
func Heuristic(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}
