package payload

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"sifworks.org/internal/functional"
	"sifworks.org/internal/job"
	"sifworks.org/internal/sif"
)

func newService(t *testing.T) *functional.Service {
	t.Helper()
	svc, err := New(functional.NewMemoryJobs(), functional.NewMemoryBindings())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func phaseState(t *testing.T, svc *functional.Service, id uuid.UUID, phase string) job.PhaseStateType {
	t.Helper()
	j, err := svc.Retrieve(context.Background(), id)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	p, ok := j.Phase(phase)
	if !ok {
		t.Fatalf("phase %q missing", phase)
	}
	cur, ok := p.CurrentState()
	if !ok {
		return ""
	}
	return cur.Type
}

func TestPayloadLifecycle(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	id, err := svc.Create(ctx, job.New(JobName, "demo", 0, time.Now()))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.CreateToPhase(ctx, id, PhaseDefault, functional.PhaseRequest{Body: "hello"}); err != nil {
		t.Fatalf("CreateToPhase: %v", err)
	}
	if got := phaseState(t, svc, id, PhaseDefault); got != job.PhaseInProgress {
		t.Fatalf("after create: %q", got)
	}

	if _, err := svc.UpdateToPhase(ctx, id, PhaseDefault, functional.PhaseRequest{Body: "again"}); err != nil {
		t.Fatalf("UpdateToPhase: %v", err)
	}
	if got := phaseState(t, svc, id, PhaseDefault); got != job.PhaseCompleted {
		t.Fatalf("after update: %q", got)
	}
	j, _ := svc.Retrieve(ctx, id)
	if j.State != job.JobCompleted {
		t.Fatalf("job state after required phase completed: %q", j.State)
	}

	if _, err := svc.DeleteToPhase(ctx, id, PhaseDefault, functional.PhaseRequest{}); !errors.Is(err, sif.ErrRejected) {
		t.Fatalf("expected rejected delete, got %v", err)
	}
	if got := phaseState(t, svc, id, PhaseDefault); got != job.PhaseFailed {
		t.Fatalf("after delete: %q", got)
	}
}

func TestServiceNameAcceptsSingularJobs(t *testing.T) {
	svc := newService(t)
	if svc.Name() != "Payloads" || svc.JobName() != "Payload" {
		t.Fatalf("names %q/%q", svc.Name(), svc.JobName())
	}
	if !svc.Accepts("Payload") || !svc.Accepts("Payloads") || svc.Accepts("Widget") {
		t.Fatal("unexpected acceptance")
	}
}

func TestReceiptFollowsAccept(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	id, _ := svc.Create(ctx, job.New(JobName, "", 0, time.Now()))

	out, err := svc.CreateToPhase(ctx, id, PhaseDefault, functional.PhaseRequest{Body: "b", Accept: "application/json"})
	if err != nil {
		t.Fatal(err)
	}
	var r Receipt
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("not JSON: %v (%s)", err, out)
	}
	if r.JobID != id.String() || r.State != job.PhaseInProgress || r.Echo != "b" || r.JobState != job.JobInProgress {
		t.Fatalf("unexpected receipt %+v", r)
	}

	out, err = svc.RetrieveToPhase(ctx, id, PhaseDefault, functional.PhaseRequest{Accept: "application/xml"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "<payloadReceipt>") || !strings.Contains(out, "<state>INPROGRESS</state>") {
		t.Fatalf("unexpected xml receipt %s", out)
	}
}

func TestXMLPhaseValidatesDocuments(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	id, _ := svc.Create(ctx, job.New(JobName, "", 0, time.Now()))

	if _, err := svc.CreateToPhase(ctx, id, PhaseXML, functional.PhaseRequest{Body: "<a><b></a>"}); !errors.Is(err, sif.ErrInvalidArgument) {
		t.Fatalf("malformed document: %v", err)
	}
	for _, body := range []string{"hello world", "<a/><b/>", "<a>x</a> trailing", "<!-- only a comment -->"} {
		if _, err := svc.CreateToPhase(ctx, id, PhaseXML, functional.PhaseRequest{Body: body}); !errors.Is(err, sif.ErrInvalidArgument) {
			t.Fatalf("document %q accepted: %v", body, err)
		}
	}
	if got := phaseState(t, svc, id, PhaseXML); got != "" {
		t.Fatalf("failed action must not be persisted, state %q", got)
	}
	if _, err := svc.CreateToPhase(ctx, id, PhaseXML, functional.PhaseRequest{Body: "<?xml version=\"1.0\"?>\n<a><b/></a>\n"}); err != nil {
		t.Fatalf("CreateToPhase: %v", err)
	}
	if got := phaseState(t, svc, id, PhaseXML); got != job.PhaseCompleted {
		t.Fatalf("xml phase state %q", got)
	}
	if _, err := svc.DeleteToPhase(ctx, id, PhaseXML, functional.PhaseRequest{}); err != nil {
		t.Fatalf("DeleteToPhase: %v", err)
	}
	if got := phaseState(t, svc, id, PhaseXML); got != job.PhaseNotStarted {
		t.Fatalf("xml phase after delete %q", got)
	}
}

func TestPhaseActionsUseServiceClock(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, err := New(functional.NewMemoryJobs(), functional.NewMemoryBindings(),
		functional.WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	id, err := svc.Create(ctx, job.New(JobName, "", 0, at))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateToPhase(ctx, id, PhaseDefault, functional.PhaseRequest{}); err != nil {
		t.Fatalf("CreateToPhase: %v", err)
	}
	j, err := svc.Retrieve(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := j.Phase(PhaseDefault)
	cur, ok := p.CurrentState()
	if !ok || !cur.Created.Equal(at) || !cur.LastModified.Equal(at) {
		t.Fatalf("state not stamped with the service clock: %+v", cur)
	}
	if !j.LastModified.Equal(at) {
		t.Fatalf("job last modified %v, want %v", j.LastModified, at)
	}
}
