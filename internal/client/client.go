// Package client is the thin HTTP collaborator for talking to worker
// processes: health probes and the per-session event stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// CheckHealth probes the worker health endpoint. A 2xx response means
// ready; anything else is returned as an error.
func CheckHealth(ctx context.Context, client *http.Client, baseURL string) error {
	client = ensureClient(client)
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return errors.New("base URL is required")
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := readErrorMessage(response)
		return &HTTPError{StatusCode: response.StatusCode, Message: message}
	}
	return nil
}

// OpenEventStream opens the persistent server-sent event stream for a
// session. The caller owns the returned body and must close it.
func OpenEventStream(ctx context.Context, client *http.Client, baseURL, sessionID string) (io.ReadCloser, error) {
	client = ensureClient(client)
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/session/"+sessionID+"/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Cache-Control", "no-store")

	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		message := readErrorMessage(response)
		response.Body.Close()
		return nil, &HTTPError{StatusCode: response.StatusCode, Message: message}
	}
	return response.Body, nil
}

func ensureClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return http.DefaultClient
}

func readErrorMessage(response *http.Response) string {
	if response == nil {
		return "request failed"
	}
	body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
	text := strings.TrimSpace(string(body))
	if text == "" {
		return response.Status
	}
	return text
}
