package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCheckHealthSucceedsOn2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := CheckHealth(context.Background(), server.Client(), server.URL); err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
}

func TestCheckHealthReportsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "booting", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := CheckHealth(context.Background(), server.Client(), server.URL)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", httpErr.StatusCode)
	}
}

func TestCheckHealthRequiresBaseURL(t *testing.T) {
	if err := CheckHealth(context.Background(), nil, ""); err == nil {
		t.Fatalf("expected error for empty base URL")
	}
}

func TestOpenEventStreamRequestsSessionPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/abc/stream" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("missing accept header")
		}
		io.WriteString(w, "event: session.idle\ndata: {}\n\n")
	}))
	defer server.Close()

	body, err := OpenEventStream(context.Background(), server.Client(), server.URL, "abc")
	if err != nil {
		t.Fatalf("OpenEventStream failed: %v", err)
	}
	defer body.Close()

	payload, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(payload), "session.idle") {
		t.Fatalf("unexpected stream payload %q", payload)
	}
}

func TestOpenEventStreamRejectsNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := OpenEventStream(context.Background(), server.Client(), server.URL, "missing")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", httpErr.StatusCode)
	}
}

func TestOpenEventStreamRequiresSessionID(t *testing.T) {
	if _, err := OpenEventStream(context.Background(), nil, "http://127.0.0.1:1", "  "); err == nil {
		t.Fatalf("expected error for blank session id")
	}
}
