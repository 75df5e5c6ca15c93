package telemetry

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encCacheMu sync.Mutex
	encCache   = map[string]*tiktoken.Tiktoken{}
)

// encoderFor returns a cached tiktoken encoder for model, if the
// model is one tiktoken recognizes. Models outside the OpenAI family
// (anthropic, google, huggingface) have no registered encoding and
// fall back to the chars/4 estimate in EstimateTokens.
func encoderFor(model string) (*tiktoken.Tiktoken, bool) {
	encCacheMu.Lock()
	defer encCacheMu.Unlock()

	if enc, ok := encCache[model]; ok {
		return enc, enc != nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encCache[model] = nil
		return nil, false
	}
	encCache[model] = enc
	return enc, true
}
