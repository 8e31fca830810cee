// Package embedding talks to the external vector provider. It is called
// before the merge transaction, never inside it, and every failure is
// recoverable: a merge proceeds without a vector rather than aborting.
package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Dimensions of the text-embedding-004 model output.
const Dimensions = 768

// Provider turns item text into a fixed-dimension vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// EncodeItem concatenates item fields into the text that gets embedded. The
// separators matter for retrieval quality; keep them stable across re-embeds.
func EncodeItem(name, category, description string) string {
	parts := []string{name}
	if category != "" {
		parts = append(parts, "Category: "+category)
	}
	if description != "" {
		parts = append(parts, description)
	}
	return strings.Join(parts, " | ")
}

type embedRequest struct {
	Model    string       `json:"model"`
	Content  embedContent `json:"content"`
	TaskType string       `json:"taskType"`
}

type embedContent struct {
	Parts []embedPart `json:"parts"`
}

type embedPart struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// Gemini calls the Generative Language API embedContent endpoint.
type Gemini struct {
	client *resty.Client
	model  string
}

type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

func NewGemini(cfg GeminiConfig) *Gemini {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetQueryParam("key", cfg.APIKey).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second)
	return &Gemini{client: client, model: cfg.Model}
}

func (g *Gemini) Model() string {
	return g.model
}

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	var out embedResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(embedRequest{
			Model:    "models/" + g.model,
			Content:  embedContent{Parts: []embedPart{{Text: text}}},
			TaskType: "RETRIEVAL_DOCUMENT",
		}).
		SetResult(&out).
		Post("/models/" + g.model + ":embedContent")
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("embed request: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(out.Embedding.Values) == 0 {
		return nil, fmt.Errorf("embed request: empty vector in response")
	}
	return out.Embedding.Values, nil
}
