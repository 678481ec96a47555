package model

// IntentKind identifies the concrete type of an Intent.
type IntentKind string

// Intent kinds.
const (
	IntentNotifyActor         IntentKind = "notify_actor"
	IntentTargetStatusChanged IntentKind = "target_status_changed"
)

// Intent describes a side effect that must happen after a transition. The
// engine only produces intents; delivering them is the caller's job.
type Intent interface {
	Kind() IntentKind
}

// NotifyActor asks for whoever holds Role (or the named Assignee) to act on
// Step. Emitted only while the instance is not terminal.
type NotifyActor struct {
	InstanceID string    `json:"instance_id"`
	Target     TargetRef `json:"target"`
	Role       string    `json:"role"`
	Step       int       `json:"step"`
	StepName   string    `json:"step_name,omitempty"`
	Assignee   string    `json:"assignee,omitempty"`
	Optional   bool      `json:"optional,omitempty"`
}

// Kind implements Intent.
func (NotifyActor) Kind() IntentKind { return IntentNotifyActor }

// TargetStatusChanged lets the owning record mirror the instance status.
// Emitted on every transition.
type TargetStatusChanged struct {
	InstanceID string    `json:"instance_id"`
	Target     TargetRef `json:"target"`
	NewStatus  Status    `json:"new_status"`
}

// Kind implements Intent.
func (TargetStatusChanged) Kind() IntentKind { return IntentTargetStatusChanged }
