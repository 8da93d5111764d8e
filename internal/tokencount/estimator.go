// Package tokencount implements the approximate token estimator used at
// ingress (input token counting, §4.10) and by the prompt-cache simulator
// (§4.5) to size a cache entry. The estimate is explicitly not required to
// match any one upstream's own tokenizer bit-for-bit (redesign flag) — it
// only needs to be stable and roughly proportional to real usage.
package tokencount

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nulpointcorp/claude-gateway/internal/claude"
)

// fallbackCharsPerToken approximates English/code text at ~4 characters
// per token when no tiktoken encoding is available for a model.
const fallbackCharsPerToken = 4

// Estimator wraps a cl100k_base BPE encoding for approximate counting, with
// a raw-character fallback and a per-model zero-override list for small
// local models an operator doesn't want billed against their input budget.
type Estimator struct {
	zeroModels map[string]bool

	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// New builds an Estimator. zeroInputModels lists model names whose
// estimated input token count is always reported as 0 (§4.10).
func New(zeroInputModels []string) *Estimator {
	zero := make(map[string]bool, len(zeroInputModels))
	for _, m := range zeroInputModels {
		zero[m] = true
	}
	enc, _ := tiktoken.GetEncoding("cl100k_base")
	return &Estimator{zeroModels: zero, enc: enc}
}

// Count estimates the token count of a single string.
func (e *Estimator) Count(s string) int {
	if s == "" {
		return 0
	}
	e.mu.Lock()
	enc := e.enc
	e.mu.Unlock()
	if enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return estimateFromChars(s)
}

// estimateFromChars is the fallback used when no tokenizer entry exists for
// a model (or the tiktoken BPE ranks failed to load) — a raw character
// count divided by an average bytes-per-token ratio.
func estimateFromChars(s string) int {
	n := len(s) / fallbackCharsPerToken
	if n < 1 && s != "" {
		n = 1
	}
	return n
}

// EstimateRequest sums the estimated input tokens across system text, every
// message's text, and the serialized tool list (§4.10 "input tokens
// computed once at ingress"). Reports 0 when model is in the zero-input
// override list.
func (e *Estimator) EstimateRequest(req claude.Request, model string) int {
	if e.zeroModels[model] {
		return 0
	}

	sysText, _ := req.SystemText()
	total := e.Count(sysText)

	for _, msg := range req.Messages {
		blocks, err := msg.AsBlocks()
		if err != nil {
			// Plain string content; count it directly.
			var text string
			_ = json.Unmarshal(msg.RawContent, &text)
			total += e.Count(text)
			continue
		}
		for _, b := range blocks {
			total += e.Count(b.Text)
			total += e.Count(b.Thinking)
			if len(b.Input) > 0 {
				total += e.Count(string(b.Input))
			}
			if len(b.Content) > 0 {
				total += e.Count(string(b.Content))
			}
		}
	}

	if len(req.Tools) > 0 {
		if raw, err := json.Marshal(req.Tools); err == nil {
			total += e.Count(string(raw))
		}
	}

	return total
}

// CacheKeyBytes assembles the content the prompt-cache simulator hashes
// for Key(): system text plus every message's raw content, in order,
// followed by the serialized tool list. It deliberately mirrors
// EstimateRequest's traversal so a cache entry's token_count estimate
// (computed separately by the caller via EstimateRequest) stays consistent
// with what was hashed.
func CacheKeyBytes(req claude.Request) []byte {
	var buf []byte
	sysText, _ := req.SystemText()
	buf = append(buf, sysText...)
	for _, msg := range req.Messages {
		buf = append(buf, msg.RawContent...)
	}
	if len(req.Tools) > 0 {
		if raw, err := json.Marshal(req.Tools); err == nil {
			buf = append(buf, raw...)
		}
	}
	return buf
}
