package monitoring

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens of assistant text for telemetry. Encoding setup
// is deferred to first use; if the BPE tables cannot be loaded the counter
// falls back to the usual chars/4 estimate rather than failing requests.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter creates a lazy token counter.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// Count returns the token count of text, or an estimate if no encoding is
// available.
func (tc *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	tc.once.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			tc.enc = enc
		}
	})
	if tc.enc == nil {
		return len(text) / 4
	}
	return len(tc.enc.Encode(text, nil, nil))
}
