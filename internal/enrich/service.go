// Package enrich populates product fields (vendor, price, SKU) from a bare
// product name using the Gemini generateContent API with search grounding.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Product is the structured envelope the model is asked to return.
type Product struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Vendor      string         `json:"vendor"`
	Price       *float64       `json:"price"`
	PricingType string         `json:"pricing_type"`
	ProductURL  string         `json:"product_url"`
	SKU         string         `json:"sku"`
	Metadata    map[string]any `json:"metadata"`
	Confidence  string         `json:"confidence"`
}

type Enricher interface {
	EnrichProduct(ctx context.Context, name, category, extraContext string) (Product, error)
}

type Gemini struct {
	client *resty.Client
	model  string
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

func New(cfg Config) *Gemini {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetQueryParam("key", cfg.APIKey).
		SetTimeout(cfg.Timeout)
	return &Gemini{client: client, model: cfg.Model}
}

type generateRequest struct {
	Contents         []content       `json:"contents"`
	Tools            []tool          `json:"tools,omitempty"`
	GenerationConfig *generateConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type tool struct {
	GoogleSearch map[string]any `json:"google_search"`
}

type generateConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (g *Gemini) EnrichProduct(ctx context.Context, name, category, extraContext string) (Product, error) {
	var out generateResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(generateRequest{
			Contents: []content{{Parts: []part{{Text: buildPrompt(name, category, extraContext)}}}},
			Tools:    []tool{{GoogleSearch: map[string]any{}}},
			GenerationConfig: &generateConfig{
				Temperature:     0.1,
				TopP:            0.8,
				MaxOutputTokens: 2048,
			},
		}).
		SetResult(&out).
		Post("/models/" + g.model + ":generateContent")
	if err != nil {
		return Product{}, fmt.Errorf("enrich request: %w", err)
	}
	if resp.IsError() {
		return Product{}, fmt.Errorf("enrich request: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return Product{}, fmt.Errorf("enrich request: empty response")
	}
	return parseProduct(out.Candidates[0].Content.Parts[0].Text)
}

// parseProduct decodes the model output, tolerating markdown code fences.
func parseProduct(text string) (Product, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	var product Product
	if err := json.Unmarshal([]byte(trimmed), &product); err != nil {
		return Product{}, fmt.Errorf("parse enrichment response: %w", err)
	}
	for _, field := range []struct{ name, value string }{
		{"name", product.Name},
		{"description", product.Description},
		{"category", product.Category},
		{"vendor", product.Vendor},
		{"confidence", product.Confidence},
	} {
		if field.value == "" {
			return Product{}, fmt.Errorf("parse enrichment response: missing required field %s", field.name)
		}
	}
	if product.Metadata == nil {
		product.Metadata = map[string]any{}
	}
	return product, nil
}

func buildPrompt(name, category, extraContext string) string {
	var b strings.Builder
	b.WriteString("You are a product data enrichment assistant. Given a product name, use web search to find accurate, current product information and return structured data.\n\n")
	b.WriteString("Product name: " + name)
	if category != "" {
		b.WriteString("\nCategory: " + category)
	}
	if extraContext != "" {
		b.WriteString("\nAdditional context: " + extraContext)
	}
	b.WriteString(`

Search the web for this product and return ONLY a valid JSON object (no markdown, no code blocks) with this exact structure:
{
    "name": "string",
    "description": "string",
    "category": "string",
    "vendor": "string",
    "price": null or number,
    "pricing_type": "one_time" | "monthly" | "yearly" | "usage_based" | null,
    "product_url": "string or null",
    "sku": "string or null",
    "metadata": {},
    "confidence": "high" | "medium" | "low"
}

If you cannot find reliable information for a field, use null. Be conservative with price data - only include it if you find a clear, current USD price.`)
	return b.String()
}
