// Package encode wraps the external embedding model servers behind
// process-lifetime encoder services. Both encoders are constructed once
// and shared; they are safe for concurrent use.
package encode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopmind/reco-engine/engine/fusion"
)

// MaxTextLen is the character budget for encoder input; longer text is
// truncated before embedding.
const MaxTextLen = 2000

// TextEncoder embeds product text via an HTTP embedding server.
type TextEncoder struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

// NewTextEncoder creates a text encoder for the given embedding server.
func NewTextEncoder(baseURL, model string) *TextEncoder {
	return &TextEncoder{
		baseURL: baseURL,
		model:   model,
		dim:     fusion.TextDim,
		client:  &http.Client{},
	}
}

// Dim returns the output dimensionality.
func (e *TextEncoder) Dim() int { return e.dim }

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Encode maps text to a unit-norm vector of Dim() length. Blank input
// yields the zero vector without error: a zero-vector query is valid and
// simply carries no signal.
func (e *TextEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	text = Truncate(text, MaxTextLen)
	if isBlank(text) {
		return make([]float32, e.dim), nil
	}

	body, _ := json.Marshal(embedReq{Model: e.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("encode text: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("encode text: status %d", resp.StatusCode)
	}

	var result embedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("encode text decode: %w", err)
	}
	if len(result.Embedding) != e.dim {
		return nil, fmt.Errorf("encode text: got %d dims, want %d", len(result.Embedding), e.dim)
	}

	out := make([]float32, e.dim)
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return fusion.Normalize(out), nil
}

// EncodeBatch embeds texts one by one, failing fast on the first error.
func (e *TextEncoder) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Encode(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("encode batch [%d]: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
