package functional

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"sifworks.org/internal/job"
	"sifworks.org/internal/rights"
	"sifworks.org/internal/sif"
)

var errShutdown = errors.New("resource still held")

type widgetDef struct {
	Base
	failShutdown atomic.Bool
	shutdowns    atomic.Int32
}

func newWidgetDef() *widgetDef {
	return &widgetDef{Base: PluralNames("Payloads")}
}

func (d *widgetDef) Configure(j *job.Job) error {
	open, err := job.NewPhase("default", true, rights.NewSet(
		rights.Right{Type: rights.Create, Value: rights.Approved},
		rights.Right{Type: rights.Query, Value: rights.Approved},
		rights.Right{Type: rights.Update, Value: rights.Approved},
		rights.Right{Type: rights.Delete, Value: rights.Rejected},
	), rights.NewSet(rights.Right{Type: rights.Create, Value: rights.Approved}))
	if err != nil {
		return err
	}
	locked, err := job.NewPhase("locked", false, nil, nil)
	if err != nil {
		return err
	}
	return j.AddPhases(open, locked)
}

func (d *widgetDef) JobShutdown(ctx context.Context, j *job.Job) error {
	d.shutdowns.Add(1)
	if d.failShutdown.Load() {
		return errShutdown
	}
	return nil
}

type echoActions struct {
	UnsupportedPhaseActions
	calls atomic.Int32
}

func (a *echoActions) Create(ctx context.Context, j *job.Job, p *job.Phase, req PhaseRequest) (string, error) {
	a.calls.Add(1)
	p.UpdateState(job.PhaseInProgress, "", time.Now())
	return "created:" + req.Body, nil
}

func (a *echoActions) Update(ctx context.Context, j *job.Job, p *job.Phase, req PhaseRequest) (string, error) {
	a.calls.Add(1)
	p.UpdateState(job.PhaseCompleted, "", time.Now())
	return req.Body, nil
}

type fixture struct {
	svc      *Service
	def      *widgetDef
	jobs     *MemoryJobs
	bindings *MemoryBindings
	actions  *echoActions
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		def:      newWidgetDef(),
		jobs:     NewMemoryJobs(),
		bindings: NewMemoryBindings(),
		actions:  &echoActions{},
		clock:    &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
	}
	svc, err := New(f.def, f.jobs, f.bindings,
		WithClock(f.clock.Now),
		WithPhaseActions("default", f.actions),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) create(t *testing.T, timeout time.Duration) uuid.UUID {
	t.Helper()
	id, err := f.svc.Create(context.Background(), job.New("Payload", "", timeout, f.clock.Now()))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func TestAcceptsBothNames(t *testing.T) {
	f := newFixture(t)
	for name, want := range map[string]bool{"Payload": true, "Payloads": true, "Widget": false, "": false} {
		if got := f.svc.Accepts(name); got != want {
			t.Fatalf("Accepts(%q)=%v want %v", name, got, want)
		}
	}
	if f.svc.JobName() != "Payload" || f.svc.Name() != "Payloads" {
		t.Fatalf("unexpected names %q/%q", f.svc.JobName(), f.svc.Name())
	}
}

func TestNewRequiresNames(t *testing.T) {
	if _, err := New(Base{Plural: "Payloads"}, NewMemoryJobs(), NewMemoryBindings()); err == nil {
		t.Fatal("expected error for missing job name")
	}
	if _, err := New(Base{Plural: "A", Singular: "B"}, NewMemoryJobs(), NewMemoryBindings(),
		WithPhaseActions("p", &echoActions{}), WithPhaseActions("p", &echoActions{})); err == nil {
		t.Fatal("expected error for duplicate phase actions")
	}
}

func TestCreateConfiguresAndPersists(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, 0)

	j, err := f.svc.Retrieve(context.Background(), id)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if j.State != job.JobNotStarted {
		t.Fatalf("state=%q", j.State)
	}
	if len(j.Phases()) != 2 {
		t.Fatalf("expected configured phases, got %d", len(j.Phases()))
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, nil); !errors.Is(err, sif.ErrInvalidArgument) {
		t.Fatalf("nil job: %v", err)
	}
	if _, err := f.svc.Create(ctx, job.New(" ", "", 0, f.clock.Now())); !errors.Is(err, sif.ErrInvalidArgument) {
		t.Fatalf("blank name: %v", err)
	}
	if _, err := f.svc.Create(ctx, job.New("Widget", "", 0, f.clock.Now())); !errors.Is(err, sif.ErrInvalidArgument) {
		t.Fatalf("foreign name: %v", err)
	}

	id := f.create(t, 0)
	dup := job.New("Payload", "", 0, f.clock.Now())
	dup.ID = id
	_, err := f.svc.Create(ctx, dup)
	if !errors.Is(err, sif.ErrCreate) || !errors.Is(err, sif.ErrAlreadyExists) {
		t.Fatalf("duplicate: %v", err)
	}
	if k, _ := sif.KindOf(err); k != sif.ErrAlreadyExists {
		t.Fatalf("kind=%q", k)
	}
}

func TestUpdateAlwaysRejected(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, 0)
	j, _ := f.svc.Retrieve(context.Background(), id)
	if err := f.svc.Update(context.Background(), j); !errors.Is(err, sif.ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
}

func TestRetrieveAllFiltersForeignJobs(t *testing.T) {
	f := newFixture(t)
	f.create(t, 0)
	if err := f.jobs.Create(context.Background(), job.New("Widget", "", 0, f.clock.Now())); err != nil {
		t.Fatal(err)
	}
	all, err := f.svc.RetrieveAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Name != "Payload" {
		t.Fatalf("unexpected jobs: %+v", all)
	}
}

func TestPhaseDispatchReturnsResultVerbatim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, 0)

	out, err := f.svc.CreateToPhase(ctx, id, "default", PhaseRequest{Body: "<x/>", ContentType: "application/xml"})
	if err != nil {
		t.Fatalf("CreateToPhase: %v", err)
	}
	if out != "created:<x/>" {
		t.Fatalf("result=%q", out)
	}
	j, _ := f.svc.Retrieve(ctx, id)
	p, _ := j.Phase("default")
	if cur, _ := p.CurrentState(); cur == nil || cur.Type != job.PhaseInProgress {
		t.Fatalf("phase action mutation not persisted: %+v", p.States)
	}
}

func TestRejectedRightMarksPhaseFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, 0)

	_, err := f.svc.DeleteToPhase(ctx, id, "default", PhaseRequest{})
	if !errors.Is(err, sif.ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	if f.actions.calls.Load() != 0 {
		t.Fatal("phase actions must not run without the right")
	}
	j, _ := f.svc.Retrieve(ctx, id)
	p, _ := j.Phase("default")
	cur, ok := p.CurrentState()
	if !ok || cur.Type != job.PhaseFailed || cur.Description != "insufficient rights" {
		t.Fatalf("expected persisted FAILED state, got %+v", cur)
	}
}

func TestDispatchErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, 0)

	if _, err := f.svc.RetrieveToPhase(ctx, uuid.New(), "default", PhaseRequest{}); !errors.Is(err, sif.ErrNotFound) {
		t.Fatalf("missing job: %v", err)
	}
	_, err := f.svc.UpdateToPhase(ctx, id, "nope", PhaseRequest{})
	if !errors.Is(err, sif.ErrInvalidArgument) || !errors.Is(err, job.ErrUnknownPhase) {
		t.Fatalf("unknown phase: %v", err)
	}
	// "locked" has no rights at all.
	if _, err := f.svc.CreateToPhase(ctx, id, "locked", PhaseRequest{}); !errors.Is(err, sif.ErrRejected) {
		t.Fatalf("locked phase: %v", err)
	}
	// "default" approves QUERY but the echo actions do not implement it.
	if _, err := f.svc.RetrieveToPhase(ctx, id, "default", PhaseRequest{}); !errors.Is(err, sif.ErrRejected) {
		t.Fatalf("unsupported op: %v", err)
	}
}

func TestDispatchWithoutActions(t *testing.T) {
	def := newWidgetDef()
	svc, err := New(def, NewMemoryJobs(), NewMemoryBindings())
	if err != nil {
		t.Fatal(err)
	}
	id, err := svc.Create(context.Background(), job.New("Payloads", "", 0, time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateToPhase(context.Background(), id, "default", PhaseRequest{}); !errors.Is(err, sif.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestCreateToState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, 0)

	st, err := f.svc.CreateToState(ctx, id, "default", &job.State{Type: job.PhasePending, Description: "queued"})
	if err != nil {
		t.Fatalf("CreateToState: %v", err)
	}
	if st.Type != job.PhasePending || st.Description != "queued" {
		t.Fatalf("unexpected state %+v", st)
	}
	if _, err := f.svc.CreateToState(ctx, id, "locked", &job.State{Type: job.PhasePending}); !errors.Is(err, sif.ErrRejected) {
		t.Fatalf("expected rejected for locked states rights, got %v", err)
	}
	if _, err := f.svc.CreateToState(ctx, id, "default", nil); !errors.Is(err, sif.ErrInvalidArgument) {
		t.Fatalf("nil state: %v", err)
	}
	for _, bad := range []job.PhaseStateType{"", "DONE"} {
		if _, err := f.svc.CreateToState(ctx, id, "default", &job.State{Type: bad}); !errors.Is(err, sif.ErrInvalidArgument) {
			t.Fatalf("state type %q: %v", bad, err)
		}
	}
	j, err := f.svc.Retrieve(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := j.Phase("default")
	if len(p.States) != 1 {
		t.Fatalf("invalid states were recorded: %+v", p.States)
	}
}

func TestDeleteRequiresShutdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, 0)
	if err := f.svc.Bind(ctx, id, "session-a"); err != nil {
		t.Fatal(err)
	}

	f.def.failShutdown.Store(true)
	err := f.svc.Delete(ctx, id)
	if !errors.Is(err, sif.ErrDelete) || !errors.Is(err, errShutdown) {
		t.Fatalf("expected delete failure, got %v", err)
	}
	if ok, _ := f.jobs.Exists(ctx, id); !ok {
		t.Fatal("job removed despite failing shutdown")
	}

	f.def.failShutdown.Store(false)
	if err := f.svc.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := f.jobs.Exists(ctx, id); ok {
		t.Fatal("job still stored")
	}
	if bound, _ := f.svc.IsBound(ctx, id, "session-a"); bound {
		t.Fatal("binding survived delete")
	}
	if err := f.svc.Delete(ctx, id); !errors.Is(err, sif.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestBindingSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, 0)

	for _, owner := range []string{"a", "a", "b"} {
		if err := f.svc.Bind(ctx, id, owner); err != nil {
			t.Fatal(err)
		}
	}
	if ok, _ := f.svc.IsBound(ctx, id, "a"); !ok {
		t.Fatal("expected bound to a")
	}
	if ok, _ := f.svc.IsBound(ctx, id, "c"); ok {
		t.Fatal("unexpected binding to c")
	}
	if err := f.svc.Bind(ctx, id, " "); !errors.Is(err, sif.ErrInvalidArgument) {
		t.Fatalf("blank owner: %v", err)
	}
	if err := f.svc.Unbind(ctx, id); err != nil {
		t.Fatal(err)
	}
	if bs, _ := f.bindings.RetrieveByRefID(ctx, id); len(bs) != 0 {
		t.Fatalf("unbind left %d bindings", len(bs))
	}
}

func TestJobTimeoutSelectsExpiredOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	forever := f.create(t, 0)
	short := f.create(t, time.Minute)
	long := f.create(t, time.Hour)

	f.clock.Advance(time.Minute)
	report, err := f.svc.JobTimeout(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report != (TimeoutReport{TimedOut: 1, Total: 1}) {
		t.Fatalf("unexpected report %+v", report)
	}
	for id, want := range map[uuid.UUID]bool{forever: true, short: false, long: true} {
		if ok, _ := f.jobs.Exists(ctx, id); ok != want {
			t.Fatalf("job %s exists=%v want %v", id, ok, want)
		}
	}
}

func TestJobTimeoutRetriesAfterFailedShutdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, time.Minute)
	if err := f.svc.Bind(ctx, id, "session-a"); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Minute)

	f.def.failShutdown.Store(true)
	report, err := f.svc.JobTimeout(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report != (TimeoutReport{Total: 1, Failed: 1}) {
		t.Fatalf("unexpected report %+v", report)
	}
	if ok, _ := f.jobs.Exists(ctx, id); !ok {
		t.Fatal("job deleted despite failing shutdown")
	}
	if ok, _ := f.svc.IsBound(ctx, id, "session-a"); !ok {
		t.Fatal("job unbound despite failing shutdown")
	}

	f.def.failShutdown.Store(false)
	report, err = f.svc.JobTimeout(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report != (TimeoutReport{TimedOut: 1, Total: 1}) {
		t.Fatalf("unexpected report %+v", report)
	}
	if ok, _ := f.jobs.Exists(ctx, id); ok {
		t.Fatal("job kept after successful shutdown")
	}
	if ok, _ := f.svc.IsBound(ctx, id, "session-a"); ok {
		t.Fatal("binding kept after timeout")
	}
	if f.def.shutdowns.Load() != 2 {
		t.Fatalf("shutdown hook ran %d times", f.def.shutdowns.Load())
	}
}

func TestExtendJobTimeoutDefersExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, time.Minute)

	if err := f.svc.ExtendJobTimeout(ctx, id, time.Hour); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(30 * time.Minute)
	report, err := f.svc.JobTimeout(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Total != 0 {
		t.Fatalf("extended job timed out: %+v", report)
	}
	if err := f.svc.ExtendJobTimeout(ctx, id, -time.Second); !errors.Is(err, sif.ErrInvalidArgument) {
		t.Fatalf("negative extension: %v", err)
	}
}

type counterActions struct {
	UnsupportedPhaseActions
}

// Update increments the counter kept in the phase's current description.
func (counterActions) Update(ctx context.Context, j *job.Job, p *job.Phase, req PhaseRequest) (string, error) {
	n := 0
	if cur, ok := p.CurrentState(); ok {
		n, _ = strconv.Atoi(cur.Description)
	}
	p.UpdateState(job.PhaseInProgress, strconv.Itoa(n+1), time.Now())
	return "", nil
}

func TestConcurrentDispatchIsSerialised(t *testing.T) {
	ctx := context.Background()
	svc, err := New(newWidgetDef(), NewMemoryJobs(), NewMemoryBindings(), WithPhaseActions("default", counterActions{}))
	if err != nil {
		t.Fatal(err)
	}
	id, err := svc.Create(ctx, job.New("Payload", "", 0, time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.UpdateToPhase(ctx, id, "default", PhaseRequest{}); err != nil {
				t.Errorf("UpdateToPhase: %v", err)
			}
		}()
	}
	wg.Wait()

	j, _ := svc.Retrieve(ctx, id)
	p, _ := j.Phase("default")
	cur, _ := p.CurrentState()
	if cur == nil || cur.Description != strconv.Itoa(n) {
		t.Fatalf("lost updates: %+v", cur)
	}
	if svc.locks.size() != 0 {
		t.Fatalf("lock entries leaked: %d", svc.locks.size())
	}
}

func TestPluralNames(t *testing.T) {
	b := PluralNames("Payloads")
	if b.ServiceName() != "Payloads" || b.JobName() != "Payload" {
		t.Fatalf("unexpected names %+v", b)
	}
}
