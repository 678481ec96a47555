package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/pitabwire/assent/model"
)

// Timestamps are stored as Unix microseconds so that ORDER BY is numeric.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS approval_templates (
	id          TEXT PRIMARY KEY,
	code        TEXT NOT NULL,
	version     INTEGER NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	applies_to  TEXT NOT NULL,
	steps       TEXT NOT NULL,
	is_active   INTEGER NOT NULL DEFAULT 1,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
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
	initiated_at     INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	completed_at     INTEGER,
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
	acted_at    INTEGER NOT NULL,
	UNIQUE (instance_id, seq)
);

CREATE INDEX IF NOT EXISTS approval_actions_tuple
	ON approval_actions (instance_id, step_order, actor, decision);
`

// SQLiteStore is a Store backed by an embedded SQLite database
// (modernc.org/sqlite, no cgo).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database file at path and initializes
// the schema. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore initializes the schema in db and returns a store over it.
// SQLite allows one writer at a time, so the pool is limited to a single
// connection; this also keeps ":memory:" databases consistent.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertTemplate stores a new template version.
func (s *SQLiteStore) InsertTemplate(ctx context.Context, t model.WorkflowTemplate) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Code, t.Version, t.Name, t.Description, t.AppliesTo, string(steps),
		t.IsActive, t.CreatedBy, t.CreatedAt.UnixMicro(),
	)
	if isSQLiteConstraint(err) {
		return model.NewConflictError(fmt.Sprintf("template %s v%d already exists", t.Code, t.Version))
	}
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// ReplaceTemplate overwrites a template version that no instance references.
func (s *SQLiteStore) ReplaceTemplate(ctx context.Context, t model.WorkflowTemplate) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_templates SET name = ?, description = ?, steps = ?
		WHERE id = ?
		AND NOT EXISTS (SELECT 1 FROM approval_instances WHERE template_id = ?)`,
		t.Name, t.Description, string(steps), t.ID, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetTemplate(ctx, t.ID); err != nil {
			return err
		}
		return model.NewImmutableError(t.Code, t.Version)
	}
	return nil
}

// GetTemplate retrieves a template version by ID.
func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM approval_templates WHERE id = ?`, id)
	t, err := scanSQLiteTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowTemplate{}, templateNotFound(id)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query template: %w", err)
	}
	return t, nil
}

// TemplateVersions returns all versions of code ordered by version.
func (s *SQLiteStore) TemplateVersions(ctx context.Context, code string) ([]model.WorkflowTemplate, error) {
	return s.queryTemplates(ctx, `SELECT `+templateColumns+` FROM approval_templates
		WHERE code = ? ORDER BY version`, code)
}

// ListTemplates returns all versions, optionally for one entity kind.
func (s *SQLiteStore) ListTemplates(ctx context.Context, appliesTo string) ([]model.WorkflowTemplate, error) {
	if appliesTo == "" {
		return s.queryTemplates(ctx, `SELECT `+templateColumns+` FROM approval_templates ORDER BY code, version`)
	}
	return s.queryTemplates(ctx, `SELECT `+templateColumns+` FROM approval_templates
		WHERE applies_to = ? ORDER BY code, version`, appliesTo)
}

// SetTemplateActive toggles the active flag of a version.
func (s *SQLiteStore) SetTemplateActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE approval_templates SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return templateNotFound(id)
	}
	return nil
}

func (s *SQLiteStore) queryTemplates(ctx context.Context, query string, args ...any) ([]model.WorkflowTemplate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []model.WorkflowTemplate
	for rows.Next() {
		t, err := scanSQLiteTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// CreateInstance inserts a new instance; the partial unique index rejects a
// second active instance for the same target.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TemplateID, inst.TemplateCode, inst.TemplateVersion,
		inst.Target.EntityKind, inst.Target.EntityID,
		inst.CurrentStepOrder, inst.Status, inst.Assignee, inst.InitiatedBy,
		inst.InitiatedAt.UnixMicro(), inst.UpdatedAt.UnixMicro(), microOrNil(inst.CompletedAt),
		inst.Notes, inst.Version,
	)
	if isSQLiteConstraint(err) {
		return activeConflict(inst.Target)
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM approval_instances WHERE id = ?`, id)
	inst, err := scanSQLiteInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowInstance{}, instanceNotFound(id)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// FindActiveInstance returns the active instance of target.
func (s *SQLiteStore) FindActiveInstance(ctx context.Context, target model.TargetRef) (model.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM approval_instances
		WHERE entity_kind = ? AND entity_id = ? AND status IN ('pending', 'in_progress')`,
		target.EntityKind, target.EntityID,
	)
	inst, err := scanSQLiteInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
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
func (s *SQLiteStore) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instances WHERE 1 = 1`
	var args []any

	if filters.TemplateCode != "" {
		query += " AND template_code = ?"
		args = append(args, filters.TemplateCode)
	}
	if filters.EntityKind != "" {
		query += " AND entity_kind = ?"
		args = append(args, filters.EntityKind)
	}
	if filters.Status != "" {
		query += " AND status = ?"
		args = append(args, filters.Status)
	}

	query += " ORDER BY initiated_at DESC, id DESC"

	// SQLite only accepts OFFSET after LIMIT; -1 means no limit.
	if filters.Limit > 0 || filters.Offset > 0 {
		limit := -1
		if filters.Limit > 0 {
			limit = filters.Limit
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanSQLiteInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// Commit updates the instance under its version check and appends the
// action in the same transaction.
func (s *SQLiteStore) Commit(ctx context.Context, inst model.WorkflowInstance, action model.ApprovalAction) (model.ApprovalAction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ApprovalAction{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
		UPDATE approval_instances SET
			current_step = ?,
			status = ?,
			assignee = ?,
			updated_at = ?,
			completed_at = ?,
			version = ?
		WHERE id = ? AND version = ?`,
		inst.CurrentStepOrder, inst.Status, inst.Assignee, inst.UpdatedAt.UnixMicro(),
		microOrNil(inst.CompletedAt), inst.Version+1, inst.ID, inst.Version,
	)
	if err != nil {
		return model.ApprovalAction{}, fmt.Errorf("update workflow instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM approval_instances WHERE id = ?)`,
			inst.ID).Scan(&exists); err != nil {
			return model.ApprovalAction{}, fmt.Errorf("query workflow instance: %w", err)
		}
		if !exists {
			return model.ApprovalAction{}, instanceNotFound(inst.ID)
		}
		return model.ApprovalAction{}, fmt.Errorf("%w: instance %q expected version %d", ErrVersionConflict, inst.ID, inst.Version)
	}

	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM approval_actions WHERE instance_id = ?`,
		inst.ID).Scan(&action.Seq); err != nil {
		return model.ApprovalAction{}, fmt.Errorf("next ledger sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO approval_actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.InstanceID, action.Seq, action.StepOrder, action.Actor, action.Decision,
		action.DelegateTo, action.Comment, action.IPAddress, action.ActedAt.UnixMicro(),
	)
	if err != nil {
		return model.ApprovalAction{}, fmt.Errorf("insert approval action: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.ApprovalAction{}, fmt.Errorf("commit transaction: %w", err)
	}
	return action, nil
}

// ListActions returns the ledger of one instance.
func (s *SQLiteStore) ListActions(ctx context.Context, instanceID string) ([]model.ApprovalAction, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+actionColumns+` FROM approval_actions
		WHERE instance_id = ? ORDER BY acted_at, seq`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query approval actions: %w", err)
	}
	defer rows.Close()

	var actions []model.ApprovalAction
	for rows.Next() {
		a, err := scanSQLiteAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// FindAction looks up a ledger entry by its idempotency tuple.
func (s *SQLiteStore) FindAction(ctx context.Context, instanceID string, step int, actor string, decision model.Decision) (model.ApprovalAction, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM approval_actions
		WHERE instance_id = ? AND step_order = ? AND actor = ? AND decision = ?
		ORDER BY seq LIMIT 1`,
		instanceID, step, actor, decision,
	)
	a, err := scanSQLiteAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ApprovalAction{}, false, nil
	}
	if err != nil {
		return model.ApprovalAction{}, false, fmt.Errorf("query approval action: %w", err)
	}
	return a, true, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTemplate(row rowScanner) (model.WorkflowTemplate, error) {
	var t model.WorkflowTemplate
	var steps string
	var createdAt int64
	if err := row.Scan(&t.ID, &t.Code, &t.Version, &t.Name, &t.Description, &t.AppliesTo,
		&steps, &t.IsActive, &t.CreatedBy, &createdAt); err != nil {
		return model.WorkflowTemplate{}, err
	}
	if err := json.Unmarshal([]byte(steps), &t.Steps); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	t.CreatedAt = time.UnixMicro(createdAt).UTC()
	return t, nil
}

func scanSQLiteInstance(row rowScanner) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var initiatedAt, updatedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.TemplateCode, &inst.TemplateVersion,
		&inst.Target.EntityKind, &inst.Target.EntityID,
		&inst.CurrentStepOrder, &inst.Status, &inst.Assignee, &inst.InitiatedBy,
		&initiatedAt, &updatedAt, &completedAt, &inst.Notes, &inst.Version,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.InitiatedAt = time.UnixMicro(initiatedAt).UTC()
	inst.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	if completedAt.Valid {
		c := time.UnixMicro(completedAt.Int64).UTC()
		inst.CompletedAt = &c
	}
	return inst, nil
}

func scanSQLiteAction(row rowScanner) (model.ApprovalAction, error) {
	var a model.ApprovalAction
	var actedAt int64
	if err := row.Scan(&a.ID, &a.InstanceID, &a.Seq, &a.StepOrder, &a.Actor, &a.Decision,
		&a.DelegateTo, &a.Comment, &a.IPAddress, &actedAt); err != nil {
		return model.ApprovalAction{}, err
	}
	a.ActedAt = time.UnixMicro(actedAt).UTC()
	return a, nil
}

func microOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
