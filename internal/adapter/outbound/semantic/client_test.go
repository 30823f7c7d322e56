package semantic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/securecheckio/rules-engine/internal/domain/engine"
)

func TestQueryRulesReturnsMatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Message != "drop the database" {
			t.Fatalf("unexpected message: %q", req.Message)
		}
		json.NewEncoder(w).Encode(queryResponse{
			Matches: []engine.SemanticMatch{{RuleID: "r1", Similarity: 0.91}},
		})
	}))
	defer srv.Close()

	c := New(WithServerAddr(srv.URL))
	matches, err := c.QueryRules(context.Background(), "drop the database", 0.85)
	if err != nil {
		t.Fatalf("QueryRules() error = %v", err)
	}
	if len(matches) != 1 || matches[0].RuleID != "r1" {
		t.Fatalf("unexpected matches: %+v", matches)
	}
}

func TestQueryRulesCachesResult(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(queryResponse{Matches: []engine.SemanticMatch{{RuleID: "r1", Similarity: 0.9}}})
	}))
	defer srv.Close()

	c := New(WithServerAddr(srv.URL), WithCacheTTL(time.Minute))
	for i := 0; i < 3; i++ {
		if _, err := c.QueryRules(context.Background(), "same message", 0.85); err != nil {
			t.Fatalf("QueryRules() error = %v", err)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 backend call due to caching, got %d", calls)
	}
}

func TestQueryRulesFailsOpenOnUnreachableBackend(t *testing.T) {
	c := New(WithServerAddr("http://127.0.0.1:1"), WithTimeout(50*time.Millisecond))
	matches, err := c.QueryRules(context.Background(), "hello", 0.85)
	if err != nil {
		t.Fatalf("expected fail-open (nil error), got %v", err)
	}
	if matches != nil {
		t.Fatalf("expected nil matches on fail-open, got %+v", matches)
	}
}

func TestGenerateEmbeddingReturnsError(t *testing.T) {
	c := New(WithServerAddr("http://127.0.0.1:1"), WithTimeout(50*time.Millisecond))
	if _, err := c.GenerateEmbedding(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for unreachable backend (embeddings are not fail-open)")
	}
}
