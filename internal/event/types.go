package event

import "time"

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// Instance lifecycle event types.
const (
	TypeInstanceStarted    = "instance_started"
	TypeInstanceStopped    = "instance_stopped"
	TypeInstanceCrashed    = "instance_crashed"
	TypeInstanceRestarting = "instance_restarting"
	TypeInstanceError      = "instance_error"
	TypeIdleReclaimed      = "instance_idle_reclaimed"
)

// InstanceEvent captures a lifecycle change for one supervised instance.
type InstanceEvent struct {
	EventType   string
	InstanceID  string
	ProjectPath string
	Port        int
	Details     map[string]string
	OccurredAt  time.Time
}

func NewInstanceEvent(eventType, instanceID, projectPath string, port int) InstanceEvent {
	return InstanceEvent{
		EventType:   eventType,
		InstanceID:  instanceID,
		ProjectPath: projectPath,
		Port:        port,
		OccurredAt:  time.Now().UTC(),
	}
}

func (e InstanceEvent) Type() string {
	return e.EventType
}

func (e InstanceEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// SessionEvent is a normalized worker stream event relayed to API consumers.
type SessionEvent struct {
	EventType  string
	SessionID  string
	Text       string
	Data       map[string]any
	OccurredAt time.Time
}

func NewSessionEvent(eventType, sessionID string) SessionEvent {
	return SessionEvent{
		EventType:  eventType,
		SessionID:  sessionID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e SessionEvent) Type() string {
	return e.EventType
}

func (e SessionEvent) Timestamp() time.Time {
	return e.OccurredAt
}
