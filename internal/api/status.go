package api

import (
	"net/http"

	"harbor/internal/instance"
)

type statusPayload struct {
	Instances     int            `json:"instances"`
	ByState       map[string]int `json:"by_state"`
	PortsLeased   int            `json:"ports_leased"`
	PortsCapacity int            `json:"ports_capacity"`
}

// status reports live measurements from the registry and pool rather than
// config-derived figures.
func (s *Server) status(w http.ResponseWriter, r *http.Request) *apiError {
	instances := s.Manager.List()
	byState := map[string]int{}
	for _, inst := range instances {
		byState[string(inst.State())]++
	}
	// Ensure stable keys even when empty.
	for _, state := range []instance.State{
		instance.StateStarting, instance.StateRunning, instance.StateStopping,
		instance.StateStopped, instance.StateError,
	} {
		if _, ok := byState[string(state)]; !ok {
			byState[string(state)] = 0
		}
	}

	leased, capacity := s.registry().PoolUsage()
	writeJSON(w, http.StatusOK, statusPayload{
		Instances:     len(instances),
		ByState:       byState,
		PortsLeased:   leased,
		PortsCapacity: capacity,
	})
	return nil
}
