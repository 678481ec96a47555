package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a workflow instance.
type Status string

// Workflow instance status constants.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusPending, StatusInProgress}

// ActionKind describes what a step asks of its approver.
type ActionKind string

// Step action kinds.
const (
	ActionReview     ActionKind = "review"
	ActionApprove    ActionKind = "approve"
	ActionRejectOnly ActionKind = "reject_only"
	ActionSign       ActionKind = "sign"
)

// Valid reports whether k is one of the known action kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionReview, ActionApprove, ActionRejectOnly, ActionSign:
		return true
	}
	return false
}

// Decision is an approver's verdict on a step.
type Decision string

// Approval decisions. DecisionCancel is only written by instance
// cancellation and is never accepted from a submitted action.
const (
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
	DecisionDelegate Decision = "delegate"
	DecisionCancel   Decision = "cancel"
)

// Submittable reports whether d may be submitted by an approver.
func (d Decision) Submittable() bool {
	return d == DecisionApprove || d == DecisionReject || d == DecisionDelegate
}

// TargetRef is a weak, polymorphic pointer to the business record under
// approval. The engine never reads the record itself.
type TargetRef struct {
	EntityKind string `json:"entity_kind" yaml:"entity_kind"`
	EntityID   string `json:"entity_id" yaml:"entity_id"`
}

func (t TargetRef) String() string {
	return fmt.Sprintf("%s:%s", t.EntityKind, t.EntityID)
}

// IsZero reports whether either half of the reference is missing.
func (t TargetRef) IsZero() bool {
	return t.EntityKind == "" || t.EntityID == ""
}

// StepDefinition is one role-gated checkpoint of a template.
type StepDefinition struct {
	Order        int        `json:"order" yaml:"order"`
	Name         string     `json:"name,omitempty" yaml:"name"`
	RequiredRole string     `json:"required_role" yaml:"role"`
	ActionKind   ActionKind `json:"action_kind" yaml:"action"`
	Optional     bool       `json:"optional,omitempty" yaml:"optional"`
}

// WorkflowTemplate is a versioned definition of an ordered approval step
// sequence for one entity kind. Once an instance references a version its
// steps never change; edits are published as a new version.
type WorkflowTemplate struct {
	ID          string           `json:"id" yaml:"-"`
	Code        string           `json:"code" yaml:"code"`
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description"`
	AppliesTo   string           `json:"applies_to" yaml:"applies_to"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
	Version     int              `json:"version" yaml:"-"`
	IsActive    bool             `json:"is_active" yaml:"-"`
	CreatedBy   string           `json:"created_by,omitempty" yaml:"-"`
	CreatedAt   time.Time        `json:"created_at" yaml:"-"`
}

// Step returns the step with the given order, or nil.
func (t WorkflowTemplate) Step(order int) *StepDefinition {
	for i := range t.Steps {
		if t.Steps[i].Order == order {
			return &t.Steps[i]
		}
	}
	return nil
}

// LastOrder returns the order of the final step.
func (t WorkflowTemplate) LastOrder() int {
	last := 0
	for _, s := range t.Steps {
		if s.Order > last {
			last = s.Order
		}
	}
	return last
}

// SameSteps reports whether two step lists are identical.
func SameSteps(a, b []StepDefinition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// WorkflowInstance is a live execution of one template version bound to one
// target. Only the transition engine mutates it.
type WorkflowInstance struct {
	ID               string     `json:"id"`
	TemplateID       string     `json:"template_id"`
	TemplateCode     string     `json:"template_code"`
	TemplateVersion  int        `json:"template_version"`
	Target           TargetRef  `json:"target"`
	CurrentStepOrder int        `json:"current_step_order"`
	Status           Status     `json:"status"`
	Assignee         string     `json:"assignee,omitempty"`
	InitiatedBy      string     `json:"initiated_by"`
	InitiatedAt      time.Time  `json:"initiated_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	Version          int        `json:"version"`
}

// ApprovalAction is one immutable ledger entry: an actor's decision on one
// step of one instance.
type ApprovalAction struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	StepOrder  int       `json:"step_order"`
	Actor      string    `json:"actor"`
	Decision   Decision  `json:"decision"`
	DelegateTo string    `json:"delegate_to,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	ActedAt    time.Time `json:"acted_at"`
	Seq        int       `json:"seq"`
}

// SameTuple reports whether a and b carry the same idempotency tuple.
func (a ApprovalAction) SameTuple(instanceID string, step int, actor string, decision Decision) bool {
	return a.InstanceID == instanceID && a.StepOrder == step && a.Actor == actor && a.Decision == decision
}

// TransitionResult is the instance state returned by every mutating engine
// call, together with the intents the caller must dispatch.
type TransitionResult struct {
	Instance WorkflowInstance `json:"instance"`
	Action   *ApprovalAction  `json:"action,omitempty"`
	Intents  []Intent         `json:"intents,omitempty"`
	Replayed bool             `json:"replayed,omitempty"`
}

// InstanceFilters are optional filters for listing instances.
type InstanceFilters struct {
	TemplateCode string
	EntityKind   string
	Status       Status
	Limit        int
	Offset       int
}

// AuditEntry is a display projection of one ledger entry.
type AuditEntry struct {
	StepOrder int    `json:"step_order"`
	StepName  string `json:"step_name"`
	Decision  string `json:"decision"`
	Actor     string `json:"actor"`
	Timestamp string `json:"timestamp"`
	Comment   string `json:"comment,omitempty"`
}
