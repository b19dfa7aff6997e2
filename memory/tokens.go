package memory

import (
	"github.com/pkoukk/tiktoken-go"
)

// tokenCounter wraps tiktoken's cl100k_base encoding. Token counts feed
// summary bookkeeping (original vs. compressed size) and the repair
// engine's candidate length band.
type tokenCounter struct {
	enc *tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		// Offline environments may lack the encoding data; the
		// heuristic fallback in Count keeps callers working.
		return &tokenCounter{}
	}
	return &tokenCounter{enc: enc}
}

// Count returns the token count of text, approximating at four characters
// per token when the encoder is unavailable.
func (t *tokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if t.enc == nil {
		return len(text) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}
