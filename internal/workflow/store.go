package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/model"
)

// ErrVersionConflict is returned by Store.Commit when the instance changed
// since it was read. The engine retries on it; it never reaches callers.
var ErrVersionConflict = errors.New("workflow instance version conflict")

// Store persists templates, instances and the approval ledger. Every method
// is safe for concurrent use.
type Store interface {
	definition.TemplateStore

	// CreateInstance persists a new instance. Returns CONFLICT if the
	// target already has an instance in an active status. The check and
	// the insert are atomic.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// GetInstance returns NOT_FOUND for unknown IDs.
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)

	// FindActiveInstance returns the pending or in-progress instance of a
	// target, or NOT_FOUND.
	FindActiveInstance(ctx context.Context, target model.TargetRef) (model.WorkflowInstance, error)

	// ListInstances returns instances matching filters, newest first.
	ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error)

	// Commit appends action to the ledger and stores inst in one
	// transaction. inst.Version must equal the stored version; on success
	// the stored version is inst.Version+1. Returns an error wrapping
	// ErrVersionConflict when the stored version differs. The stored
	// action, with its ledger sequence assigned, is returned.
	Commit(ctx context.Context, inst model.WorkflowInstance, action model.ApprovalAction) (model.ApprovalAction, error)

	// ListActions returns the ledger of one instance ordered by ActedAt,
	// then Seq.
	ListActions(ctx context.Context, instanceID string) ([]model.ApprovalAction, error)

	// FindAction returns the ledger entry with the given idempotency tuple.
	FindAction(ctx context.Context, instanceID string, step int, actor string, decision model.Decision) (model.ApprovalAction, bool, error)
}

func instanceNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
}

func templateNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("template %q not found", id))
}

func activeConflict(target model.TargetRef) error {
	return model.NewConflictError(fmt.Sprintf("target %s already has an active workflow instance", target))
}
