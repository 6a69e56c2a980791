package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/voicechat/internal/conversation"
)

func TestGeminiRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/models/gemini-test:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "secret" {
			t.Errorf("expected key query param, got %q", r.URL.RawQuery)
		}
		var body geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		roles := []string{}
		for _, c := range body.Contents {
			roles = append(roles, c.Role)
		}
		if len(roles) != 3 || roles[0] != "user" || roles[1] != "model" || roles[2] != "user" {
			t.Errorf("unexpected roles %v", roles)
		}
		if body.Contents[2].Parts[0].Text != "How are you?" {
			t.Errorf("expected new text last, got %+v", body.Contents[2])
		}
		if body.SystemInstruction == nil || body.SystemInstruction.Parts[0].Text != "be brief" {
			t.Errorf("unexpected system instruction %+v", body.SystemInstruction)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":" Doing well. "}]}}]}`))
	}))
	defer srv.Close()

	gen := NewGeminiGenerator(srv.URL+"/models/", "secret", srv.Client())
	text, err := gen.Generate(context.Background(), Request{
		System: "be brief",
		Model:  "gemini-test",
		History: []conversation.Turn{
			{Role: conversation.RoleUser, Text: "Hello"},
			{Role: conversation.RoleAssistant, Text: "Hi!"},
		},
		UserText: "How are you?",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "Doing well." {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestGeminiNon2xxIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota"}}`))
	}))
	defer srv.Close()

	gen := NewGeminiGenerator(srv.URL, "k", srv.Client())
	_, err := gen.Generate(context.Background(), Request{Model: "m", UserText: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Message != "quota" {
		t.Fatalf("expected APIError 429, got %v", err)
	}
}

func TestGeminiUnexpectedShapeIsMalformed(t *testing.T) {
	for name, payload := range map[string]string{
		"no candidates": `{"candidates":[]}`,
		"no parts":      `{"candidates":[{"content":{"parts":[]}}]}`,
		"empty text":    `{"candidates":[{"content":{"parts":[{"text":""}]}}]}`,
		"not json":      `<html>`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(payload))
			}))
			defer srv.Close()
			gen := NewGeminiGenerator(srv.URL, "k", srv.Client())
			if _, err := gen.Generate(context.Background(), Request{Model: "m", UserText: "x"}); !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("expected ErrMalformedResponse, got %v", err)
			}
		})
	}
}

func TestClientOverGeminiRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.BaseURL = srv.URL
	sleeper := &recordingSleeper{}
	client, err := NewClient(cfg, "k", discardLogger(), WithSleeper(sleeper.sleep), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	out := client.Complete(context.Background(), nil, "Hello")
	if out.Text != Apology {
		t.Fatalf("expected apology, got %q", out.Text)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 requests, got %d", hits.Load())
	}
	if sleeper.total() != 7*time.Second {
		t.Fatalf("expected 7s of backoff, got %s", sleeper.total())
	}
}
