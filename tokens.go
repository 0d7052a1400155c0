package cortex

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenCounter measures prompt sizes for the context budget. It uses the
// cl100k_base BPE encoding; if the encoding cannot be loaded (offline first
// run) it falls back to a rune estimate of ~4 runes per token.
type tokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	return &tokenCounter{}
}

// Count returns the token count of s.
func (t *tokenCounter) Count(s string) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			t.enc = enc
		}
	})
	if t.enc != nil {
		return len(t.enc.Encode(s, nil, nil))
	}
	r := []rune(s)
	return len(r)/4 + 1
}
