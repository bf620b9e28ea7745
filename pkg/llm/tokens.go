package llm

import (
	"math"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// TokenCount estimates the token count of text for the given model.
// Uses the cl100k_base encoding; falls back to a character heuristic when
// the encoding tables are unavailable (offline builds).
func TokenCount(model, text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return heuristicTokenCount(text)
}

// heuristicTokenCount approximates tokens by script: CJK characters run
// about 1.5 tokens each, everything else about 4 characters per token.
func heuristicTokenCount(text string) int {
	var cjk, other int
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(cjk)*1.5 + float64(other)*0.25))
}
