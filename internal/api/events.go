package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"harbor/internal/event"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 4096
	wsWriteTimeout    = 10 * time.Second
)

// eventEnvelope is the wire shape shared by the websocket and SSE relays.
type eventEnvelope struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Instance  *instanceBrief `json:"instance,omitempty"`
	Session   *sessionBrief  `json:"session,omitempty"`
}

type instanceBrief struct {
	ID          string            `json:"id"`
	ProjectPath string            `json:"project_path"`
	Port        int               `json:"port"`
	Details     map[string]string `json:"details,omitempty"`
}

type sessionBrief struct {
	ID   string         `json:"id"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

func instanceEnvelope(ev event.InstanceEvent) eventEnvelope {
	return eventEnvelope{
		Type:      ev.EventType,
		Timestamp: ev.OccurredAt,
		Instance: &instanceBrief{
			ID:          ev.InstanceID,
			ProjectPath: ev.ProjectPath,
			Port:        ev.Port,
			Details:     ev.Details,
		},
	}
}

func sessionEnvelope(ev event.SessionEvent) eventEnvelope {
	return eventEnvelope{
		Type:      ev.EventType,
		Timestamp: ev.OccurredAt,
		Session: &sessionBrief{
			ID:   ev.SessionID,
			Text: ev.Text,
			Data: ev.Data,
		},
	}
}

func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	for _, entry := range allowed {
		if entry == host {
			return true
		}
	}
	return false
}

// handleEventsWS relays instance and session events over one websocket
// connection. The read loop exists only to observe disconnects.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, s.AuthToken) {
		writeJSONError(w, &apiError{Status: http.StatusUnauthorized, Message: "unauthorized"})
		return
	}
	if s.InstanceBus == nil && s.SessionBus == nil {
		writeJSONError(w, &apiError{Status: http.StatusInternalServerError, Message: "event buses unavailable"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, s.AllowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("websocket upgrade failed", map[string]string{"error": err.Error()})
		}
		return
	}
	defer conn.Close()

	envelopes := make(chan eventEnvelope, 64)
	stop := s.relayBuses(envelopes)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case envelope := <-envelopes:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(envelope); err != nil {
				return
			}
		}
	}
}

// relayBuses fans both buses into a single envelope channel. Events that
// would block are dropped; relays must never stall the buses.
func (s *Server) relayBuses(envelopes chan<- eventEnvelope) func() {
	var cancels []func()
	if s.InstanceBus != nil {
		events, cancel := s.InstanceBus.Subscribe()
		cancels = append(cancels, cancel)
		go func() {
			for ev := range events {
				select {
				case envelopes <- instanceEnvelope(ev):
				default:
					s.registry().IncFrameDropped()
				}
			}
		}()
	}
	if s.SessionBus != nil {
		events, cancel := s.SessionBus.Subscribe()
		cancels = append(cancels, cancel)
		go func() {
			for ev := range events {
				select {
				case envelopes <- sessionEnvelope(ev):
				default:
					s.registry().IncFrameDropped()
				}
			}
		}()
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// handleEventsSSE relays the same envelopes as server-sent events, with an
// optional ?types= filter and periodic keepalive comments.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, s.AuthToken) {
		writeJSONError(w, &apiError{Status: http.StatusUnauthorized, Message: "unauthorized"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, &apiError{Status: http.StatusInternalServerError, Message: "streaming unsupported"})
		return
	}

	filter := parseTypeFilter(r.URL.Query()["types"])

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	envelopes := make(chan eventEnvelope, 64)
	stop := s.relayBuses(envelopes)
	defer stop()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case envelope := <-envelopes:
			if !filter.allows(envelope.Type) {
				continue
			}
			payload, err := json.Marshal(envelope)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", envelope.Type, payload)
			flusher.Flush()
		}
	}
}

type typeFilter struct {
	enabled bool
	types   map[string]struct{}
}

func parseTypeFilter(values []string) *typeFilter {
	types := make(map[string]struct{})
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				types[part] = struct{}{}
			}
		}
	}
	return &typeFilter{enabled: len(types) > 0, types: types}
}

func (f *typeFilter) allows(eventType string) bool {
	if !f.enabled {
		return true
	}
	_, ok := f.types[eventType]
	return ok
}
