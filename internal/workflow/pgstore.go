package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/assent/model"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

const pgSchema = `
CREATE TABLE IF NOT EXISTS approval_templates (
	id          TEXT PRIMARY KEY,
	code        TEXT NOT NULL,
	version     INTEGER NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	applies_to  TEXT NOT NULL,
	steps       JSONB NOT NULL,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (code, version)
);

CREATE TABLE IF NOT EXISTS approval_instances (
	id               TEXT PRIMARY KEY,
	template_id      TEXT NOT NULL REFERENCES approval_templates (id),
	template_code    TEXT NOT NULL,
	template_version INTEGER NOT NULL,
	entity_kind      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	current_step     INTEGER NOT NULL,
	status           TEXT NOT NULL,
	assignee         TEXT NOT NULL DEFAULT '',
	initiated_by     TEXT NOT NULL,
	initiated_at     TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	notes            TEXT NOT NULL DEFAULT '',
	version          INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS approval_instances_active_target
	ON approval_instances (entity_kind, entity_id)
	WHERE status IN ('pending', 'in_progress');

CREATE INDEX IF NOT EXISTS approval_instances_template
	ON approval_instances (template_id);

CREATE TABLE IF NOT EXISTS approval_actions (
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL REFERENCES approval_instances (id),
	seq         INTEGER NOT NULL,
	step_order  INTEGER NOT NULL,
	actor       TEXT NOT NULL,
	decision    TEXT NOT NULL,
	delegate_to TEXT NOT NULL DEFAULT '',
	comment     TEXT NOT NULL DEFAULT '',
	ip_address  TEXT NOT NULL DEFAULT '',
	acted_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (instance_id, seq)
);

CREATE INDEX IF NOT EXISTS approval_actions_tuple
	ON approval_actions (instance_id, step_order, actor, decision);
`

const instanceColumns = `id, template_id, template_code, template_version, entity_kind, entity_id,
	current_step, status, assignee, initiated_by, initiated_at, updated_at, completed_at, notes, version`

const templateColumns = `id, code, version, name, description, applies_to, steps, is_active, created_by, created_at`

const actionColumns = `id, instance_id, seq, step_order, actor, decision, delegate_to, comment, ip_address, acted_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate approval schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertTemplate stores a new template version.
func (s *PgStore) InsertTemplate(ctx context.Context, t model.WorkflowTemplate) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Code, t.Version, t.Name, t.Description, t.AppliesTo, steps, t.IsActive, t.CreatedBy, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("template %s v%d already exists", t.Code, t.Version))
	}
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// ReplaceTemplate overwrites a template version that no instance references.
func (s *PgStore) ReplaceTemplate(ctx context.Context, t model.WorkflowTemplate) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_templates SET name = $2, description = $3, steps = $4
		WHERE id = $1
		AND NOT EXISTS (SELECT 1 FROM approval_instances WHERE template_id = $1)`,
		t.ID, t.Name, t.Description, steps,
	)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTemplate(ctx, t.ID); err != nil {
			return err
		}
		return model.NewImmutableError(t.Code, t.Version)
	}
	return nil
}

// GetTemplate retrieves a template version by ID.
func (s *PgStore) GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM approval_templates WHERE id = $1`, id)
	t, err := scanPgTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowTemplate{}, templateNotFound(id)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query template: %w", err)
	}
	return t, nil
}

// TemplateVersions returns all versions of code ordered by version.
func (s *PgStore) TemplateVersions(ctx context.Context, code string) ([]model.WorkflowTemplate, error) {
	return s.queryTemplates(ctx, `SELECT `+templateColumns+` FROM approval_templates
		WHERE code = $1 ORDER BY version`, code)
}

// ListTemplates returns all versions, optionally for one entity kind.
func (s *PgStore) ListTemplates(ctx context.Context, appliesTo string) ([]model.WorkflowTemplate, error) {
	if appliesTo == "" {
		return s.queryTemplates(ctx, `SELECT `+templateColumns+` FROM approval_templates ORDER BY code, version`)
	}
	return s.queryTemplates(ctx, `SELECT `+templateColumns+` FROM approval_templates
		WHERE applies_to = $1 ORDER BY code, version`, appliesTo)
}

// SetTemplateActive toggles the active flag of a version.
func (s *PgStore) SetTemplateActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE approval_templates SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return templateNotFound(id)
	}
	return nil
}

func (s *PgStore) queryTemplates(ctx context.Context, query string, args ...any) ([]model.WorkflowTemplate, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []model.WorkflowTemplate
	for rows.Next() {
		t, err := scanPgTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// CreateInstance inserts a new instance. The partial unique index on active
// targets makes the one-active-instance check atomic.
func (s *PgStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		inst.ID, inst.TemplateID, inst.TemplateCode, inst.TemplateVersion,
		inst.Target.EntityKind, inst.Target.EntityID,
		inst.CurrentStepOrder, inst.Status, inst.Assignee, inst.InitiatedBy,
		inst.InitiatedAt, inst.UpdatedAt, inst.CompletedAt, inst.Notes, inst.Version,
	)
	if isUniqueViolation(err) {
		return activeConflict(inst.Target)
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *PgStore) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM approval_instances WHERE id = $1`, id)
	inst, err := scanPgInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, instanceNotFound(id)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// FindActiveInstance returns the active instance of target.
func (s *PgStore) FindActiveInstance(ctx context.Context, target model.TargetRef) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM approval_instances
		WHERE entity_kind = $1 AND entity_id = $2 AND status IN ('pending', 'in_progress')`,
		target.EntityKind, target.EntityID,
	)
	inst, err := scanPgInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no active workflow instance for %s", target),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns instances matching filters, newest first.
func (s *PgStore) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instances WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.TemplateCode != "" {
		query += fmt.Sprintf(" AND template_code = $%d", argIdx)
		args = append(args, filters.TemplateCode)
		argIdx++
	}
	if filters.EntityKind != "" {
		query += fmt.Sprintf(" AND entity_kind = $%d", argIdx)
		args = append(args, filters.EntityKind)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY initiated_at DESC, id DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanPgInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// Commit updates the instance under its version check and appends the
// action in the same transaction.
func (s *PgStore) Commit(ctx context.Context, inst model.WorkflowInstance, action model.ApprovalAction) (model.ApprovalAction, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.ApprovalAction{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	tag, err := tx.Exec(ctx, `
		UPDATE approval_instances SET
			current_step = $1,
			status = $2,
			assignee = $3,
			updated_at = $4,
			completed_at = $5,
			version = $6
		WHERE id = $7 AND version = $8`,
		inst.CurrentStepOrder, inst.Status, inst.Assignee, inst.UpdatedAt, inst.CompletedAt,
		inst.Version+1, inst.ID, inst.Version,
	)
	if err != nil {
		return model.ApprovalAction{}, fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_instances WHERE id = $1)`, inst.ID).Scan(&exists); err != nil {
			return model.ApprovalAction{}, fmt.Errorf("query workflow instance: %w", err)
		}
		if !exists {
			return model.ApprovalAction{}, instanceNotFound(inst.ID)
		}
		return model.ApprovalAction{}, fmt.Errorf("%w: instance %q expected version %d", ErrVersionConflict, inst.ID, inst.Version)
	}

	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM approval_actions WHERE instance_id = $1`,
		inst.ID).Scan(&action.Seq); err != nil {
		return model.ApprovalAction{}, fmt.Errorf("next ledger sequence: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO approval_actions (`+actionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		action.ID, action.InstanceID, action.Seq, action.StepOrder, action.Actor, action.Decision,
		action.DelegateTo, action.Comment, action.IPAddress, action.ActedAt,
	)
	if err != nil {
		return model.ApprovalAction{}, fmt.Errorf("insert approval action: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ApprovalAction{}, fmt.Errorf("commit transaction: %w", err)
	}
	return action, nil
}

// ListActions returns the ledger of one instance.
func (s *PgStore) ListActions(ctx context.Context, instanceID string) ([]model.ApprovalAction, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT `+actionColumns+` FROM approval_actions
		WHERE instance_id = $1 ORDER BY acted_at, seq`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query approval actions: %w", err)
	}
	defer rows.Close()

	var actions []model.ApprovalAction
	for rows.Next() {
		a, err := scanPgAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// FindAction looks up a ledger entry by its idempotency tuple.
func (s *PgStore) FindAction(ctx context.Context, instanceID string, step int, actor string, decision model.Decision) (model.ApprovalAction, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM approval_actions
		WHERE instance_id = $1 AND step_order = $2 AND actor = $3 AND decision = $4
		ORDER BY seq LIMIT 1`,
		instanceID, step, actor, decision,
	)
	a, err := scanPgAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalAction{}, false, nil
	}
	if err != nil {
		return model.ApprovalAction{}, false, fmt.Errorf("query approval action: %w", err)
	}
	return a, true, nil
}

func scanPgTemplate(row pgx.Row) (model.WorkflowTemplate, error) {
	var t model.WorkflowTemplate
	var steps []byte
	if err := row.Scan(&t.ID, &t.Code, &t.Version, &t.Name, &t.Description, &t.AppliesTo,
		&steps, &t.IsActive, &t.CreatedBy, &t.CreatedAt); err != nil {
		return model.WorkflowTemplate{}, err
	}
	if err := json.Unmarshal(steps, &t.Steps); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func scanPgInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var completedAt *time.Time
	if err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.TemplateCode, &inst.TemplateVersion,
		&inst.Target.EntityKind, &inst.Target.EntityID,
		&inst.CurrentStepOrder, &inst.Status, &inst.Assignee, &inst.InitiatedBy,
		&inst.InitiatedAt, &inst.UpdatedAt, &completedAt, &inst.Notes, &inst.Version,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.InitiatedAt = inst.InitiatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	if completedAt != nil {
		c := completedAt.UTC()
		inst.CompletedAt = &c
	}
	return inst, nil
}

func scanPgAction(row pgx.Row) (model.ApprovalAction, error) {
	var a model.ApprovalAction
	if err := row.Scan(&a.ID, &a.InstanceID, &a.Seq, &a.StepOrder, &a.Actor, &a.Decision,
		&a.DelegateTo, &a.Comment, &a.IPAddress, &a.ActedAt); err != nil {
		return model.ApprovalAction{}, err
	}
	a.ActedAt = a.ActedAt.UTC()
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
