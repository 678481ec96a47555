package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/assent/internal/testutil"
	"github.com/pitabwire/assent/model"
)

// storeSuite is the behaviour every Store must share.
type storeSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
	ctx      context.Context
	base     time.Time
}

func (s *storeSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
	s.base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
}

func (s *storeSuite) template(code string, version int) model.WorkflowTemplate {
	return model.WorkflowTemplate{
		ID:        fmt.Sprintf("%s-v%d", code, version),
		Code:      code,
		Name:      "Budget Line Approval",
		AppliesTo: "budget_line",
		Steps:     twoStep().Steps,
		Version:   version,
		IsActive:  true,
		CreatedBy: "seed",
		CreatedAt: s.base,
	}
}

func (s *storeSuite) instance(id, entityID string, tmpl model.WorkflowTemplate) model.WorkflowInstance {
	return model.WorkflowInstance{
		ID:               id,
		TemplateID:       tmpl.ID,
		TemplateCode:     tmpl.Code,
		TemplateVersion:  tmpl.Version,
		Target:           model.TargetRef{EntityKind: "budget_line", EntityID: entityID},
		CurrentStepOrder: 1,
		Status:           model.StatusPending,
		InitiatedBy:      "clerk-1",
		InitiatedAt:      s.base,
		UpdatedAt:        s.base,
		Version:          1,
	}
}

func (s *storeSuite) seed() (model.WorkflowTemplate, model.WorkflowInstance) {
	tmpl := s.template("BUDGET_APPROVAL", 1)
	s.Require().NoError(s.store.InsertTemplate(s.ctx, tmpl))
	inst := s.instance("inst-1", "bl-1", tmpl)
	s.Require().NoError(s.store.CreateInstance(s.ctx, inst))
	return tmpl, inst
}

func (s *storeSuite) TestTemplates_round_trip() {
	tmpl := s.template("BUDGET_APPROVAL", 1)
	s.Require().NoError(s.store.InsertTemplate(s.ctx, tmpl))

	got, err := s.store.GetTemplate(s.ctx, tmpl.ID)
	s.Require().NoError(err)
	s.Equal(tmpl, got)

	err = s.store.InsertTemplate(s.ctx, model.WorkflowTemplate{
		ID: "other", Code: tmpl.Code, Version: 1, Name: "dup", AppliesTo: "budget_line",
		Steps: tmpl.Steps, CreatedAt: s.base,
	})
	s.True(model.IsCode(err, model.ErrConflict), "duplicate (code, version) error = %v", err)

	_, err = s.store.GetTemplate(s.ctx, "missing")
	s.True(model.IsCode(err, model.ErrNotFound), "missing template error = %v", err)
}

func (s *storeSuite) TestTemplates_versions_and_listing() {
	s.Require().NoError(s.store.InsertTemplate(s.ctx, s.template("BUDGET_APPROVAL", 2)))
	s.Require().NoError(s.store.InsertTemplate(s.ctx, s.template("BUDGET_APPROVAL", 1)))
	doc := s.template("DOC_APPROVAL", 1)
	doc.AppliesTo = "document"
	s.Require().NoError(s.store.InsertTemplate(s.ctx, doc))

	versions, err := s.store.TemplateVersions(s.ctx, "BUDGET_APPROVAL")
	s.Require().NoError(err)
	s.Require().Len(versions, 2)
	s.Equal(1, versions[0].Version)
	s.Equal(2, versions[1].Version)

	all, err := s.store.ListTemplates(s.ctx, "")
	s.Require().NoError(err)
	s.Len(all, 3)

	docs, err := s.store.ListTemplates(s.ctx, "document")
	s.Require().NoError(err)
	s.Require().Len(docs, 1)
	s.Equal("DOC_APPROVAL", docs[0].Code)

	s.Require().NoError(s.store.SetTemplateActive(s.ctx, doc.ID, false))
	got, err := s.store.GetTemplate(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.False(got.IsActive)

	err = s.store.SetTemplateActive(s.ctx, "missing", true)
	s.True(model.IsCode(err, model.ErrNotFound), "SetTemplateActive(missing) error = %v", err)
}

func (s *storeSuite) TestReplaceTemplate_immutable_once_referenced() {
	tmpl := s.template("BUDGET_APPROVAL", 1)
	s.Require().NoError(s.store.InsertTemplate(s.ctx, tmpl))

	tmpl.Name = "Renamed"
	s.Require().NoError(s.store.ReplaceTemplate(s.ctx, tmpl))
	got, err := s.store.GetTemplate(s.ctx, tmpl.ID)
	s.Require().NoError(err)
	s.Equal("Renamed", got.Name)

	s.Require().NoError(s.store.CreateInstance(s.ctx, s.instance("inst-1", "bl-1", tmpl)))

	tmpl.Name = "Again"
	err = s.store.ReplaceTemplate(s.ctx, tmpl)
	s.True(model.IsCode(err, model.ErrImmutable), "ReplaceTemplate() referenced error = %v", err)

	missing := tmpl
	missing.ID = "missing"
	err = s.store.ReplaceTemplate(s.ctx, missing)
	s.True(model.IsCode(err, model.ErrNotFound), "ReplaceTemplate() missing error = %v", err)
}

func (s *storeSuite) TestInstances_one_active_per_target() {
	tmpl, inst := s.seed()

	err := s.store.CreateInstance(s.ctx, s.instance("inst-2", "bl-1", tmpl))
	s.True(model.IsCode(err, model.ErrConflict), "second active instance error = %v", err)

	s.Require().NoError(s.store.CreateInstance(s.ctx, s.instance("inst-3", "bl-2", tmpl)))

	active, err := s.store.FindActiveInstance(s.ctx, inst.Target)
	s.Require().NoError(err)
	s.Equal(inst.ID, active.ID)

	// Once terminal the target is free again.
	done := inst
	done.Status = model.StatusRejected
	completed := s.base.Add(time.Minute)
	done.CompletedAt = &completed
	_, err = s.store.Commit(s.ctx, done, model.ApprovalAction{
		ID: "a-1", InstanceID: inst.ID, StepOrder: 1, Actor: "sup-1", Decision: model.DecisionReject, ActedAt: completed,
	})
	s.Require().NoError(err)

	_, err = s.store.FindActiveInstance(s.ctx, inst.Target)
	s.True(model.IsCode(err, model.ErrNotFound), "FindActiveInstance() after terminal error = %v", err)
	s.Require().NoError(s.store.CreateInstance(s.ctx, s.instance("inst-4", "bl-1", tmpl)))
}

func (s *storeSuite) TestInstances_concurrent_create() {
	tmpl := s.template("BUDGET_APPROVAL", 1)
	s.Require().NoError(s.store.InsertTemplate(s.ctx, tmpl))

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.store.CreateInstance(s.ctx, s.instance(fmt.Sprintf("inst-%d", i), "bl-1", tmpl))
		}()
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		s.True(model.IsCode(err, model.ErrConflict), "CreateInstance() error = %v", err)
	}
	s.Equal(1, created)
}

func (s *storeSuite) TestInstances_get_and_list() {
	tmpl, inst := s.seed()

	got, err := s.store.GetInstance(s.ctx, inst.ID)
	s.Require().NoError(err)
	s.Equal(inst, got)

	_, err = s.store.GetInstance(s.ctx, "missing")
	s.True(model.IsCode(err, model.ErrNotFound), "GetInstance(missing) error = %v", err)

	later := s.instance("inst-2", "bl-2", tmpl)
	later.InitiatedAt = s.base.Add(time.Hour)
	later.UpdatedAt = later.InitiatedAt
	s.Require().NoError(s.store.CreateInstance(s.ctx, later))

	list, err := s.store.ListInstances(s.ctx, model.InstanceFilters{})
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal("inst-2", list[0].ID, "newest first")

	list, err = s.store.ListInstances(s.ctx, model.InstanceFilters{Limit: 1, Offset: 1})
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal("inst-1", list[0].ID)

	list, err = s.store.ListInstances(s.ctx, model.InstanceFilters{Offset: 1})
	s.Require().NoError(err)
	s.Len(list, 1)

	list, err = s.store.ListInstances(s.ctx, model.InstanceFilters{Status: model.StatusApproved})
	s.Require().NoError(err)
	s.Empty(list)

	list, err = s.store.ListInstances(s.ctx, model.InstanceFilters{TemplateCode: "BUDGET_APPROVAL", EntityKind: "budget_line"})
	s.Require().NoError(err)
	s.Len(list, 2)
}

func (s *storeSuite) TestCommit_version_check() {
	_, inst := s.seed()

	next := inst
	next.CurrentStepOrder = 2
	next.Status = model.StatusInProgress
	next.UpdatedAt = s.base.Add(time.Second)
	a1, err := s.store.Commit(s.ctx, next, model.ApprovalAction{
		ID: "a-1", InstanceID: inst.ID, StepOrder: 1, Actor: "sup-1", Decision: model.DecisionApprove,
		Comment: "prices verified", IPAddress: "10.0.0.7", ActedAt: next.UpdatedAt,
	})
	s.Require().NoError(err)
	s.Equal(1, a1.Seq)

	got, err := s.store.GetInstance(s.ctx, inst.ID)
	s.Require().NoError(err)
	s.Equal(2, got.Version)
	s.Equal(2, got.CurrentStepOrder)
	s.Equal(model.StatusInProgress, got.Status)

	// A writer still holding version 1 loses.
	stale := next
	stale.Status = model.StatusRejected
	_, err = s.store.Commit(s.ctx, stale, model.ApprovalAction{
		ID: "a-2", InstanceID: inst.ID, StepOrder: 1, Actor: "sup-2", Decision: model.DecisionReject, ActedAt: next.UpdatedAt,
	})
	s.True(errors.Is(err, ErrVersionConflict), "stale Commit() error = %v", err)

	actions, err := s.store.ListActions(s.ctx, inst.ID)
	s.Require().NoError(err)
	s.Len(actions, 1, "losing commit must not append to the ledger")

	missing := next
	missing.ID = "missing"
	_, err = s.store.Commit(s.ctx, missing, model.ApprovalAction{ID: "a-3", InstanceID: "missing", ActedAt: s.base})
	s.True(model.IsCode(err, model.ErrNotFound), "Commit(missing) error = %v", err)
}

func (s *storeSuite) TestLedger_order_and_lookup() {
	_, inst := s.seed()

	cur := inst
	steps := []model.ApprovalAction{
		{ID: "a-1", StepOrder: 1, Actor: "sup-1", Decision: model.DecisionDelegate, DelegateTo: "sup-2"},
		{ID: "a-2", StepOrder: 1, Actor: "sup-2", Decision: model.DecisionApprove},
		{ID: "a-3", StepOrder: 2, Actor: "mgr-1", Decision: model.DecisionApprove},
	}
	for i, a := range steps {
		a.InstanceID = inst.ID
		// Same timestamp for every entry: order falls back to Seq.
		a.ActedAt = s.base.Add(time.Minute)
		next := cur
		next.UpdatedAt = a.ActedAt
		stored, err := s.store.Commit(s.ctx, next, a)
		s.Require().NoError(err)
		s.Equal(i+1, stored.Seq)
		cur.Version++
	}

	actions, err := s.store.ListActions(s.ctx, inst.ID)
	s.Require().NoError(err)
	s.Require().Len(actions, 3)
	for i, a := range actions {
		s.Equal(steps[i].ID, a.ID)
		s.Equal(i+1, a.Seq)
		s.True(a.ActedAt.Equal(s.base.Add(time.Minute)))
	}
	s.Equal("sup-2", actions[0].DelegateTo)

	found, ok, err := s.store.FindAction(s.ctx, inst.ID, 1, "sup-2", model.DecisionApprove)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("a-2", found.ID)

	_, ok, err = s.store.FindAction(s.ctx, inst.ID, 1, "sup-2", model.DecisionReject)
	s.Require().NoError(err)
	s.False(ok)

	_, err = s.store.ListActions(s.ctx, "missing")
	s.True(model.IsCode(err, model.ErrNotFound), "ListActions(missing) error = %v", err)
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &storeSuite{newStore: func() Store { return NewMemoryStore() }})
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &storeSuite{newStore: func() Store {
		s, err := OpenSQLite(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}})
}

func TestPgStore(t *testing.T) {
	dsn := testutil.PostgresDSN(t)

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPgStore(pool)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.HealthCheck(ctx))

	suite.Run(t, &storeSuite{newStore: func() Store {
		_, err := pool.Exec(ctx, `TRUNCATE approval_actions, approval_instances, approval_templates`)
		require.NoError(t, err)
		return store
	}})
}

func TestEngine_on_SQLite(t *testing.T) {
	store, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := newFixture(t, store)
	inst := f.create(t, "bl-1")

	_, err = f.submit(inst.ID, 1, "sup-1", model.DecisionApprove)
	require.NoError(t, err)
	res, err := f.submit(inst.ID, 2, "mgr-1", model.DecisionApprove)
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, res.Instance.Status)

	stored, err := f.engine.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, res.Instance, stored)

	var actions []model.ApprovalAction
	for a, err := range f.engine.History(context.Background(), inst.ID) {
		require.NoError(t, err)
		actions = append(actions, a)
	}
	replayed, err := Replay(f.tmpl, actions)
	require.NoError(t, err)
	require.Equal(t, stored.Status, replayed.Status)
	require.Equal(t, stored.CurrentStepOrder, replayed.CurrentStepOrder)
}
