package definition

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pitabwire/assent/model"
)

// TemplateStore persists template versions. Rows are unique on
// (code, version). Implementations live next to the instance stores so that
// template immutability can be checked in the same database.
type TemplateStore interface {
	// InsertTemplate stores a new version. Returns a CONFLICT error if the
	// (code, version) pair already exists.
	InsertTemplate(ctx context.Context, t model.WorkflowTemplate) error

	// ReplaceTemplate overwrites an existing version in place. Returns an
	// IMMUTABLE error if any instance references it.
	ReplaceTemplate(ctx context.Context, t model.WorkflowTemplate) error

	GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error)

	// TemplateVersions returns all versions of code ordered by version.
	TemplateVersions(ctx context.Context, code string) ([]model.WorkflowTemplate, error)

	// ListTemplates returns every version, optionally restricted to one
	// entity kind, ordered by code then version.
	ListTemplates(ctx context.Context, appliesTo string) ([]model.WorkflowTemplate, error)

	SetTemplateActive(ctx context.Context, id string, active bool) error
}

// Registry validates, versions and resolves workflow templates. It is safe
// for concurrent use; all state lives in the store.
type Registry struct {
	store     TemplateStore
	validator *Validator
	now       func() time.Time

	// checksum of the last definitions set applied by SyncFiles.
	synced atomic.Pointer[string]
}

// NewRegistry creates a Registry over the given store.
func NewRegistry(store TemplateStore) *Registry {
	return &Registry{
		store:     store,
		validator: NewValidator(),
		now:       time.Now,
	}
}

// Register validates a template with a new code and stores it as version 1.
func (r *Registry) Register(ctx context.Context, t model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	if errs := r.validator.Validate(t); len(errs) > 0 {
		return model.WorkflowTemplate{}, model.NewValidationError(errs)
	}

	existing, err := r.store.TemplateVersions(ctx, t.Code)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("loading versions of %s: %w", t.Code, err)
	}
	if len(existing) > 0 {
		return model.WorkflowTemplate{}, duplicateCode(t.Code)
	}

	t = r.prepare(t, 1)
	if err := r.store.InsertTemplate(ctx, t); err != nil {
		if model.IsCode(err, model.ErrConflict) {
			return model.WorkflowTemplate{}, duplicateCode(t.Code)
		}
		return model.WorkflowTemplate{}, err
	}
	return t, nil
}

// Publish stores t as the next version of an existing code. Earlier versions
// stay untouched for the instances that reference them.
func (r *Registry) Publish(ctx context.Context, t model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	if errs := r.validator.Validate(t); len(errs) > 0 {
		return model.WorkflowTemplate{}, model.NewValidationError(errs)
	}

	existing, err := r.store.TemplateVersions(ctx, t.Code)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("loading versions of %s: %w", t.Code, err)
	}
	if len(existing) == 0 {
		return model.WorkflowTemplate{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", t.Code))
	}
	latest := existing[len(existing)-1]
	if latest.AppliesTo != t.AppliesTo {
		return model.WorkflowTemplate{}, model.NewInvalidFieldError("applies_to", "IMMUTABLE_FIELD",
			fmt.Sprintf("template %s applies to %q; publish under a new code instead", t.Code, latest.AppliesTo))
	}

	t = r.prepare(t, latest.Version+1)
	if err := r.store.InsertTemplate(ctx, t); err != nil {
		return model.WorkflowTemplate{}, err
	}
	return t, nil
}

// Update edits an existing version in place. Code, version and applies_to
// cannot change, and the store refuses the edit once any instance
// references the version.
func (r *Registry) Update(ctx context.Context, t model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	if t.ID == "" {
		return model.WorkflowTemplate{}, model.NewInvalidFieldError("id", "REQUIRED", "id is required")
	}
	current, err := r.store.GetTemplate(ctx, t.ID)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	if errs := r.validator.Validate(t); len(errs) > 0 {
		return model.WorkflowTemplate{}, model.NewValidationError(errs)
	}
	if t.Code != current.Code || t.AppliesTo != current.AppliesTo {
		return model.WorkflowTemplate{}, model.NewInvalidFieldError("code", "IMMUTABLE_FIELD", "code and applies_to cannot be changed")
	}

	t.Version = current.Version
	t.IsActive = current.IsActive
	t.CreatedBy = current.CreatedBy
	t.CreatedAt = current.CreatedAt
	t.Steps = sortedSteps(t.Steps)

	if err := r.store.ReplaceTemplate(ctx, t); err != nil {
		return model.WorkflowTemplate{}, err
	}
	return t, nil
}

// Resolve returns a template by code. Version 0 selects the highest active
// version.
func (r *Registry) Resolve(ctx context.Context, code string, version int) (model.WorkflowTemplate, error) {
	versions, err := r.store.TemplateVersions(ctx, code)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("loading versions of %s: %w", code, err)
	}

	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if version == 0 && v.IsActive {
			return v, nil
		}
		if version != 0 && v.Version == version {
			return v, nil
		}
	}

	if version == 0 {
		return model.WorkflowTemplate{}, model.NewNotFoundError(fmt.Sprintf("no active version of template %q", code))
	}
	return model.WorkflowTemplate{}, model.NewNotFoundError(fmt.Sprintf("template %s v%d not found", code, version))
}

// Get returns a template version by ID.
func (r *Registry) Get(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	return r.store.GetTemplate(ctx, id)
}

// List returns all template versions, optionally restricted to one entity
// kind.
func (r *Registry) List(ctx context.Context, appliesTo string) ([]model.WorkflowTemplate, error) {
	return r.store.ListTemplates(ctx, appliesTo)
}

// Deactivate hides a version from Resolve(code, 0). Instances already bound
// to it are unaffected.
func (r *Registry) Deactivate(ctx context.Context, code string, version int) error {
	return r.setActive(ctx, code, version, false)
}

// Activate reverses Deactivate.
func (r *Registry) Activate(ctx context.Context, code string, version int) error {
	return r.setActive(ctx, code, version, true)
}

func (r *Registry) setActive(ctx context.Context, code string, version int, active bool) error {
	if version == 0 {
		return model.NewInvalidFieldError("version", "REQUIRED", "an explicit version is required")
	}
	t, err := r.Resolve(ctx, code, version)
	if err != nil {
		return err
	}
	return r.store.SetTemplateActive(ctx, t.ID, active)
}

// SyncOutcome says what Sync did with one template.
type SyncOutcome string

// Sync outcomes.
const (
	SyncRegistered SyncOutcome = "registered"
	SyncPublished  SyncOutcome = "published"
	SyncUnchanged  SyncOutcome = "unchanged"
)

// SyncResult reports the outcome for one template code.
type SyncResult struct {
	Code    string      `json:"code"`
	Version int         `json:"version"`
	Outcome SyncOutcome `json:"outcome"`
}

// Sync brings the store in line with declared templates: new codes are
// registered, codes whose steps or descriptive fields changed get a new
// version, and everything else is left alone.
func (r *Registry) Sync(ctx context.Context, templates []model.WorkflowTemplate, actor string) ([]SyncResult, error) {
	results := make([]SyncResult, 0, len(templates))

	for _, t := range templates {
		t.CreatedBy = actor
		versions, err := r.store.TemplateVersions(ctx, t.Code)
		if err != nil {
			return results, fmt.Errorf("loading versions of %s: %w", t.Code, err)
		}

		if len(versions) == 0 {
			reg, err := r.Register(ctx, t)
			if err != nil {
				return results, fmt.Errorf("registering %s: %w", t.Code, err)
			}
			results = append(results, SyncResult{Code: reg.Code, Version: reg.Version, Outcome: SyncRegistered})
			continue
		}

		latest := versions[len(versions)-1]
		if sameContent(latest, t) {
			results = append(results, SyncResult{Code: latest.Code, Version: latest.Version, Outcome: SyncUnchanged})
			continue
		}

		pub, err := r.Publish(ctx, t)
		if err != nil {
			return results, fmt.Errorf("publishing %s: %w", t.Code, err)
		}
		results = append(results, SyncResult{Code: pub.Code, Version: pub.Version, Outcome: SyncPublished})
	}

	return results, nil
}

// SyncFiles runs Sync over loaded definition files. It returns (nil, nil)
// without touching the store when the files are unchanged since the last
// successful call.
func (r *Registry) SyncFiles(ctx context.Context, files []File, actor string) ([]SyncResult, error) {
	sum := Checksum(files)
	if last := r.synced.Load(); last != nil && *last == sum {
		return nil, nil
	}

	results, err := r.Sync(ctx, Templates(files), actor)
	if err != nil {
		return results, err
	}
	r.synced.Store(&sum)
	return results, nil
}

func (r *Registry) prepare(t model.WorkflowTemplate, version int) model.WorkflowTemplate {
	t.ID = uuid.NewString()
	t.Version = version
	t.IsActive = true
	t.CreatedAt = r.now().UTC().Truncate(time.Microsecond)
	t.Steps = sortedSteps(t.Steps)
	return t
}

func sameContent(a, b model.WorkflowTemplate) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.AppliesTo == b.AppliesTo &&
		model.SameSteps(a.Steps, sortedSteps(b.Steps))
}

func sortedSteps(steps []model.StepDefinition) []model.StepDefinition {
	out := make([]model.StepDefinition, len(steps))
	copy(out, steps)
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func duplicateCode(code string) error {
	return model.NewInvalidFieldError("code", "DUPLICATE",
		fmt.Sprintf("template code %q is already registered; publish a new version instead", code))
}
