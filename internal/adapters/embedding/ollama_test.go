package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
)

func TestOllamaAdapter_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": []float32{0.1, 0.2, 0.3},
		})
	}))
	defer server.Close()

	adapter := NewOllamaAdapter(server.URL, "test-model", 3, nil, nil)
	emb, err := adapter.Embed(context.Background(), "hello")

	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if len(emb) != 3 {
		t.Errorf("expected 3 dims, got %d", len(emb))
	}
}

func TestOllamaAdapter_DimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float32{0.1, 0.2}})
	}))
	defer server.Close()

	adapter := NewOllamaAdapter(server.URL, "test-model", 3, nil, nil)
	_, err := adapter.Embed(context.Background(), "hello")

	if !errors.Is(err, errs.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
}

func TestOllamaAdapter_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	adapter := NewOllamaAdapter(server.URL, "test-model", 3, nil, nil)
	_, err := adapter.Embed(context.Background(), "hello")

	if err == nil {
		t.Fatal("should error on 500")
	}
	if !errs.IsTransient(err) {
		t.Error("500 should be retryable")
	}
}

func TestOllamaAdapter_Defaults(t *testing.T) {
	adapter := NewOllamaAdapter("", "", 0, nil, nil)
	if adapter.baseURL != "http://localhost:11434" || adapter.model != "nomic-embed-text" {
		t.Errorf("unexpected defaults: %s %s", adapter.baseURL, adapter.model)
	}
	if adapter.Dimension() != 768 {
		t.Errorf("expected 768, got %d", adapter.Dimension())
	}
}
