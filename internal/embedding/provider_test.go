package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEncodeItemJoinsPresentFields(t *testing.T) {
	cases := []struct {
		name, category, description string
		want                        string
	}{
		{"Standing Desk", "Furniture", "Adjustable height desk", "Standing Desk | Category: Furniture | Adjustable height desk"},
		{"Standing Desk", "", "Adjustable height desk", "Standing Desk | Adjustable height desk"},
		{"Standing Desk", "Furniture", "", "Standing Desk | Category: Furniture"},
		{"Standing Desk", "", "", "Standing Desk"},
	}
	for _, tc := range cases {
		if got := EncodeItem(tc.name, tc.category, tc.description); got != tc.want {
			t.Errorf("EncodeItem(%q, %q, %q) = %q, want %q", tc.name, tc.category, tc.description, got, tc.want)
		}
	}
}

func TestGeminiEmbedParsesVector(t *testing.T) {
	var gotPath string
	var gotBody embedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": map[string]any{"values": []float32{0.1, 0.2, 0.3}},
		})
	}))
	defer server.Close()

	provider := NewGemini(GeminiConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "text-embedding-004",
		Timeout: 2 * time.Second,
	})

	vector, err := provider.Embed(context.Background(), "Standing Desk | Category: Furniture")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vector) != 3 || vector[1] != 0.2 {
		t.Fatalf("unexpected vector %v", vector)
	}
	if gotPath != "/models/text-embedding-004:embedContent" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotBody.TaskType != "RETRIEVAL_DOCUMENT" {
		t.Fatalf("unexpected task type %q", gotBody.TaskType)
	}
	if len(gotBody.Content.Parts) != 1 || gotBody.Content.Parts[0].Text != "Standing Desk | Category: Furniture" {
		t.Fatalf("unexpected request content %+v", gotBody.Content)
	}
}

func TestGeminiEmbedSurfacesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider := NewGemini(GeminiConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "text-embedding-004",
		Timeout: 2 * time.Second,
	})

	if _, err := provider.Embed(context.Background(), "anything"); err == nil {
		t.Fatal("expected error for 429 response")
	}
}

func TestGeminiEmbedRejectsEmptyVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": map[string]any{"values": []float32{}}})
	}))
	defer server.Close()

	provider := NewGemini(GeminiConfig{APIKey: "k", BaseURL: server.URL, Model: "text-embedding-004", Timeout: 2 * time.Second})
	if _, err := provider.Embed(context.Background(), "anything"); err == nil {
		t.Fatal("expected error for empty vector")
	}
}
