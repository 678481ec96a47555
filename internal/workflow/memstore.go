package workflow

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/pitabwire/assent/model"
)

// MemoryStore is an in-memory Store for tests and single-process use. One
// mutex guards all maps, which makes every write atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]model.WorkflowTemplate // key: template ID
	instances map[string]model.WorkflowInstance // key: instance ID
	actions   map[string][]model.ApprovalAction // key: instance ID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[string]model.WorkflowTemplate),
		instances: make(map[string]model.WorkflowInstance),
		actions:   make(map[string][]model.ApprovalAction),
	}
}

// InsertTemplate stores a new template version.
func (s *MemoryStore) InsertTemplate(_ context.Context, t model.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.templates {
		if existing.ID == t.ID || (existing.Code == t.Code && existing.Version == t.Version) {
			return model.NewConflictError(fmt.Sprintf("template %s v%d already exists", t.Code, t.Version))
		}
	}
	t.Steps = slices.Clone(t.Steps)
	s.templates[t.ID] = t
	return nil
}

// ReplaceTemplate overwrites an unreferenced template version.
func (s *MemoryStore) ReplaceTemplate(_ context.Context, t model.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[t.ID]; !ok {
		return templateNotFound(t.ID)
	}
	for _, inst := range s.instances {
		if inst.TemplateID == t.ID {
			return model.NewImmutableError(t.Code, t.Version)
		}
	}
	t.Steps = slices.Clone(t.Steps)
	s.templates[t.ID] = t
	return nil
}

// GetTemplate retrieves a template version by ID.
func (s *MemoryStore) GetTemplate(_ context.Context, id string) (model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return model.WorkflowTemplate{}, templateNotFound(id)
	}
	t.Steps = slices.Clone(t.Steps)
	return t, nil
}

// TemplateVersions returns all versions of code ordered by version.
func (s *MemoryStore) TemplateVersions(_ context.Context, code string) ([]model.WorkflowTemplate, error) {
	return s.collectTemplates(func(t model.WorkflowTemplate) bool { return t.Code == code }), nil
}

// ListTemplates returns all versions, optionally for one entity kind.
func (s *MemoryStore) ListTemplates(_ context.Context, appliesTo string) ([]model.WorkflowTemplate, error) {
	return s.collectTemplates(func(t model.WorkflowTemplate) bool {
		return appliesTo == "" || t.AppliesTo == appliesTo
	}), nil
}

// SetTemplateActive toggles the active flag of a version.
func (s *MemoryStore) SetTemplateActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[id]
	if !ok {
		return templateNotFound(id)
	}
	t.IsActive = active
	s.templates[id] = t
	return nil
}

func (s *MemoryStore) collectTemplates(match func(model.WorkflowTemplate) bool) []model.WorkflowTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowTemplate
	for _, t := range s.templates {
		if match(t) {
			t.Steps = slices.Clone(t.Steps)
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Code != result[j].Code {
			return result[i].Code < result[j].Code
		}
		return result[i].Version < result[j].Version
	})
	return result
}

// CreateInstance persists a new instance unless its target is already
// active.
func (s *MemoryStore) CreateInstance(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	for _, existing := range s.instances {
		if existing.Target == inst.Target && !existing.Status.IsTerminal() {
			return activeConflict(inst.Target)
		}
	}

	s.instances[inst.ID] = inst
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *MemoryStore) GetInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return model.WorkflowInstance{}, instanceNotFound(id)
	}
	return inst, nil
}

// FindActiveInstance returns the active instance of target.
func (s *MemoryStore) FindActiveInstance(_ context.Context, target model.TargetRef) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instances {
		if inst.Target == target && !inst.Status.IsTerminal() {
			return inst, nil
		}
	}
	return model.WorkflowInstance{}, model.NewNotFoundError(
		fmt.Sprintf("no active workflow instance for %s", target),
	)
}

// ListInstances returns instances matching filters, newest first.
func (s *MemoryStore) ListInstances(_ context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if filters.TemplateCode != "" && inst.TemplateCode != filters.TemplateCode {
			continue
		}
		if filters.EntityKind != "" && inst.Target.EntityKind != filters.EntityKind {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		result = append(result, inst)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].InitiatedAt.Equal(result[j].InitiatedAt) {
			return result[i].InitiatedAt.After(result[j].InitiatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// Commit appends action and stores inst under the version check.
func (s *MemoryStore) Commit(_ context.Context, inst model.WorkflowInstance, action model.ApprovalAction) (model.ApprovalAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.instances[inst.ID]
	if !ok {
		return model.ApprovalAction{}, instanceNotFound(inst.ID)
	}
	if existing.Version != inst.Version {
		return model.ApprovalAction{}, fmt.Errorf("%w: instance %q at version %d, expected %d",
			ErrVersionConflict, inst.ID, existing.Version, inst.Version)
	}

	action.Seq = len(s.actions[inst.ID]) + 1
	s.actions[inst.ID] = append(s.actions[inst.ID], action)

	inst.Version++
	s.instances[inst.ID] = inst
	return action, nil
}

// ListActions returns the ledger of one instance.
func (s *MemoryStore) ListActions(_ context.Context, instanceID string) ([]model.ApprovalAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.instances[instanceID]; !ok {
		return nil, instanceNotFound(instanceID)
	}

	result := slices.Clone(s.actions[instanceID])
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].ActedAt.Equal(result[j].ActedAt) {
			return result[i].ActedAt.Before(result[j].ActedAt)
		}
		return result[i].Seq < result[j].Seq
	})
	return result, nil
}

// FindAction looks up a ledger entry by its idempotency tuple.
func (s *MemoryStore) FindAction(_ context.Context, instanceID string, step int, actor string, decision model.Decision) (model.ApprovalAction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.actions[instanceID] {
		if a.SameTuple(instanceID, step, actor, decision) {
			return a, true, nil
		}
	}
	return model.ApprovalAction{}, false, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
