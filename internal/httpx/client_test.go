package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/payagent/internal/errors"
)

func TestDoJSONRetriesServerError(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&count, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"x"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 1)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	var out map[string]any
	if _, err := client.DoJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected response: %#v", out)
	}
	if atomic.LoadInt32(&count) != 2 {
		t.Fatalf("expected 2 attempts, got %d", count)
	}
}

func TestDoJSONClientErrorIncludesUpstreamMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"No available quotes for the requested transfer"}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 0)
	var out map[string]any
	_, err := GetJSON(context.Background(), client, srv.URL, nil, &out)
	if err == nil {
		t.Fatal("expected error")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeUnsupported {
		t.Fatalf("expected unsupported error, got %v", err)
	}
	if !strings.Contains(err.Error(), "No available quotes") {
		t.Fatalf("expected upstream message in error, got %v", err)
	}
}

func TestDoBodyJSONSendsBodyOnRetry(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		if string(buf[:n]) != `{"a":1}` {
			t.Errorf("unexpected body %q", string(buf[:n]))
		}
		if atomic.AddInt32(&count, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 1, WithRateLimit(100, 2))
	var out map[string]any
	if _, err := DoBodyJSON(context.Background(), client, http.MethodPost, srv.URL, []byte(`{"a":1}`), map[string]string{"x-lifi-api-key": ""}, &out); err != nil {
		t.Fatalf("DoBodyJSON failed: %v", err)
	}
}

func TestDoJSONAuthFailureIsNotRetried(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := New(2*time.Second, 3)
	_, err := GetJSON(context.Background(), client, srv.URL, nil, nil)
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if atomic.LoadInt32(&count) != 1 {
		t.Fatalf("expected a single attempt, got %d", count)
	}
}
