package service

import (
	"sync"

	"github.com/weaviate/tiktoken-go"
)

var cl100k = sync.OnceValues(func() (*tiktoken.Tiktoken, error) {
	return tiktoken.GetEncoding("cl100k_base")
})

// CountTokens returns the cl100k_base token count of text, or 0 when the
// encoding cannot be loaded.
func CountTokens(text string) int {
	enc, err := cl100k()
	if err != nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}
