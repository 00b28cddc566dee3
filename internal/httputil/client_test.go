package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lovendo/momentcore/internal/logging"
)

// =============================================================================
// ServiceClient Tests
// =============================================================================

func TestNewServiceClient_Defaults(t *testing.T) {
	client := NewServiceClient(ServiceClientConfig{
		BaseURL: "http://localhost:8080/",
	})

	if client.maxRetries != 2 {
		t.Errorf("default maxRetries = %d, want 2", client.maxRetries)
	}
	if client.BaseURL() != "http://localhost:8080" {
		t.Errorf("baseURL = %s, want trailing slash trimmed", client.BaseURL())
	}
}

func TestServiceClient_GetDecodesJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Method = %s, want GET", r.Method)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	client := NewServiceClient(ServiceClientConfig{BaseURL: server.URL})

	var out map[string]string
	if err := client.Get(context.Background(), "/test", &out); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("status = %s, want ok", out["status"])
	}
}

func TestServiceClient_PostSendsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %s, want application/json", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") != "Bearer svc-token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get(UserIDHeader) != "user-123" {
			t.Errorf("X-User-ID = %s, want user-123", r.Header.Get(UserIDHeader))
		}
		if r.Header.Get(TraceIDHeader) != "trace-1" {
			t.Errorf("X-Trace-ID = %s, want trace-1", r.Header.Get(TraceIDHeader))
		}

		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["key"] != "value" {
			t.Errorf("body[key] = %s, want value", body["key"])
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewServiceClient(ServiceClientConfig{BaseURL: server.URL, ServiceToken: "svc-token"})
	ctx := logging.WithTraceID(logging.WithUserID(context.Background(), "user-123"), "trace-1")

	if err := client.Post(ctx, "/test", map[string]string{"key": "value"}, nil); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
}

func TestServiceClient_RetriesServerErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"n": 1})
	}))
	defer server.Close()

	client := NewServiceClient(ServiceClientConfig{BaseURL: server.URL, MaxRetries: 3, MaxElapsed: 5 * time.Second})

	var out map[string]int
	if err := client.Get(context.Background(), "/test", &out); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestServiceClient_DoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	defer server.Close()

	client := NewServiceClient(ServiceClientConfig{BaseURL: server.URL, MaxRetries: 3})

	err := client.Get(context.Background(), "/test", nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusBadRequest || statusErr.Body != "bad request" {
		t.Errorf("unexpected status error: %+v", statusErr)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestDecodeResponse_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "hello"})
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("http.Get() error = %v", err)
	}

	var result map[string]string
	if err := DecodeResponse(resp, &result); err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if result["message"] != "hello" {
		t.Errorf("result[message] = %s, want hello", result["message"])
	}
}

func TestReadAllWithLimit(t *testing.T) {
	body, truncated, err := ReadAllWithLimit(strings.NewReader("abcdef"), 4)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "abcd" || !truncated {
		t.Errorf("got %q truncated=%v", body, truncated)
	}
}
