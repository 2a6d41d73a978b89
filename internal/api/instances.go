package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"harbor/internal/instance"
	"harbor/internal/manager"
	"harbor/internal/ports"
)

type instancePayload struct {
	ID          string    `json:"id"`
	ProjectPath string    `json:"project_path"`
	Port        int       `json:"port"`
	PID         int       `json:"pid,omitempty"`
	State       string    `json:"state"`
	Origin      string    `json:"origin"`
	SessionID   string    `json:"session_id,omitempty"`
	BaseURL     string    `json:"base_url"`
	LastChange  time.Time `json:"last_change"`
	LastError   string    `json:"last_error,omitempty"`
}

func instanceToPayload(inst *instance.Instance) instancePayload {
	payload := instancePayload{
		ID:          inst.ID(),
		ProjectPath: inst.ProjectPath(),
		Port:        inst.Port(),
		PID:         inst.PID(),
		State:       string(inst.State()),
		Origin:      string(inst.Origin()),
		SessionID:   inst.SessionID(),
		BaseURL:     inst.BaseURL(),
		LastChange:  inst.LastTransition(),
	}
	if err := inst.Err(); err != nil {
		payload.LastError = err.Error()
	}
	return payload
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) *apiError {
	instances := s.Manager.List()
	payloads := make([]instancePayload, 0, len(instances))
	for _, inst := range instances {
		payloads = append(payloads, instanceToPayload(inst))
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": payloads})
	return nil
}

type createInstanceRequest struct {
	ProjectPath string `json:"project_path"`
}

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) *apiError {
	var request createInstanceRequest
	if apiErr := decodeBody(r, &request); apiErr != nil {
		return apiErr
	}
	if strings.TrimSpace(request.ProjectPath) == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "project_path is required"}
	}

	inst, err := s.Manager.GetOrCreate(r.Context(), request.ProjectPath)
	if err != nil {
		return createErrorToAPI(err)
	}
	writeJSON(w, http.StatusOK, instanceToPayload(inst))
	return nil
}

func createErrorToAPI(err error) *apiError {
	switch {
	case errors.Is(err, manager.ErrResourceExhausted):
		return &apiError{Status: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, ports.ErrPoolExhausted):
		return &apiError{Status: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, manager.ErrRestartLimitExceeded):
		return &apiError{Status: http.StatusUnprocessableEntity, Message: err.Error()}
	case errors.Is(err, manager.ErrManagerClosed):
		return &apiError{Status: http.StatusServiceUnavailable, Message: err.Error()}
	default:
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) *apiError {
	inst, err := s.Manager.Get(r.PathValue("id"))
	if err != nil {
		return &apiError{Status: http.StatusNotFound, Message: "instance not found"}
	}
	writeJSON(w, http.StatusOK, instanceToPayload(inst))
	return nil
}

func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) *apiError {
	err := s.Manager.Remove(r.Context(), r.PathValue("id"))
	if errors.Is(err, manager.ErrInstanceNotFound) {
		return &apiError{Status: http.StatusNotFound, Message: "instance not found"}
	}
	if err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	return nil
}

func (s *Server) stopInstance(w http.ResponseWriter, r *http.Request) *apiError {
	err := s.Manager.StopInstance(r.Context(), r.PathValue("id"))
	if errors.Is(err, manager.ErrInstanceNotFound) {
		return &apiError{Status: http.StatusNotFound, Message: "instance not found"}
	}
	if err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	return nil
}

func (s *Server) recordActivity(w http.ResponseWriter, r *http.Request) *apiError {
	if err := s.Manager.RecordActivity(r.PathValue("id")); err != nil {
		return &apiError{Status: http.StatusNotFound, Message: "instance not found"}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	return nil
}

func (s *Server) resetRestarts(w http.ResponseWriter, r *http.Request) *apiError {
	if err := s.Manager.ResetRestarts(r.PathValue("id")); err != nil {
		return &apiError{Status: http.StatusNotFound, Message: "instance not found"}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	return nil
}
