package api

import (
	"errors"
	"net/http"
	"strings"

	"harbor/internal/manager"
	"harbor/internal/stream"
)

type subscribeRequest struct {
	InstanceID  string `json:"instance_id"`
	ProjectPath string `json:"project_path"`
}

// subscribeSession opens (or replaces) the live event subscription for a
// session, attached to the named instance's stream endpoint. Normalized
// events are relayed onto the session bus for WS/SSE consumers.
func (s *Server) subscribeSession(w http.ResponseWriter, r *http.Request) *apiError {
	sessionID := r.PathValue("id")
	var request subscribeRequest
	if apiErr := decodeBody(r, &request); apiErr != nil {
		return apiErr
	}

	inst, apiErr := s.resolveInstance(request)
	if apiErr != nil {
		return apiErr
	}

	sub, err := s.Streams.Subscribe(sessionID, inst.BaseURL())
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	inst.SetSessionID(sessionID)

	// The session bus carries the events to API consumers; this drain
	// keeps the subscription's own channel from backing up.
	go func() {
		for range sub.Events() {
		}
	}()

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id":  sessionID,
		"instance_id": inst.ID(),
		"state":       string(sub.State()),
	})
	return nil
}

func (s *Server) resolveInstance(request subscribeRequest) (subscribedInstance, *apiError) {
	if strings.TrimSpace(request.InstanceID) != "" {
		inst, err := s.Manager.Get(request.InstanceID)
		if err != nil {
			return nil, &apiError{Status: http.StatusNotFound, Message: "instance not found"}
		}
		return inst, nil
	}
	if strings.TrimSpace(request.ProjectPath) != "" {
		inst, err := s.Manager.GetByProject(request.ProjectPath)
		if errors.Is(err, manager.ErrInstanceNotFound) {
			return nil, &apiError{Status: http.StatusNotFound, Message: "no instance for project"}
		}
		if err != nil {
			return nil, &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
		}
		return inst, nil
	}
	return nil, &apiError{Status: http.StatusBadRequest, Message: "instance_id or project_path is required"}
}

// subscribedInstance is the slice of the instance surface the session
// endpoints need.
type subscribedInstance interface {
	ID() string
	BaseURL() string
	SetSessionID(string)
}

func (s *Server) unsubscribeSession(w http.ResponseWriter, r *http.Request) *apiError {
	err := s.Streams.Unsubscribe(r.PathValue("id"))
	if errors.Is(err, stream.ErrSubscriptionNotFound) {
		return &apiError{Status: http.StatusNotFound, Message: "no subscription for session"}
	}
	if err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
	return nil
}

type deliveredRequest struct {
	Text string `json:"text"`
}

func (s *Server) markDelivered(w http.ResponseWriter, r *http.Request) *apiError {
	var request deliveredRequest
	if apiErr := decodeBody(r, &request); apiErr != nil {
		return apiErr
	}
	if request.Text == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "text is required"}
	}
	err := s.Streams.MarkDelivered(r.PathValue("id"), request.Text)
	if errors.Is(err, stream.ErrSubscriptionNotFound) {
		return &apiError{Status: http.StatusNotFound, Message: "no subscription for session"}
	}
	if err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "marked"})
	return nil
}

func (s *Server) sessionState(w http.ResponseWriter, r *http.Request) *apiError {
	state, err := s.Streams.State(r.PathValue("id"))
	if errors.Is(err, stream.ErrSubscriptionNotFound) {
		return &apiError{Status: http.StatusNotFound, Message: "no subscription for session"}
	}
	if err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": r.PathValue("id"),
		"state":      string(state),
	})
	return nil
}
