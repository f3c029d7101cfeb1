package functional

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"sifworks.org/internal/job"
	"sifworks.org/internal/sif"
)

// MemoryJobs implements JobRepository in process. Records are cloned on the
// way in and out so callers never share state with the store.
type MemoryJobs struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*job.Job
}

// NewMemoryJobs creates an empty job store.
func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{jobs: make(map[uuid.UUID]*job.Job)}
}

func (m *MemoryJobs) Create(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return sif.Errorf(sif.ErrAlreadyExists, "job %s already exists", j.ID)
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryJobs) Retrieve(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, sif.Errorf(sif.ErrNotFound, "job %s not found", id)
	}
	return j.Clone(), nil
}

func (m *MemoryJobs) RetrieveAll(ctx context.Context) ([]*job.Job, error) {
	return m.filter(func(*job.Job) bool { return true }), nil
}

func (m *MemoryJobs) RetrieveByName(ctx context.Context, names ...string) ([]*job.Job, error) {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	return m.filter(func(j *job.Job) bool {
		_, ok := want[j.Name]
		return ok
	}), nil
}

func (m *MemoryJobs) filter(keep func(*job.Job) bool) []*job.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Created.Equal(out[b].Created) {
			return out[a].ID.String() < out[b].ID.String()
		}
		return out[a].Created.Before(out[b].Created)
	})
	return out
}

func (m *MemoryJobs) Update(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return sif.Errorf(sif.ErrNotFound, "job %s not found", j.ID)
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryJobs) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return sif.Errorf(sif.ErrNotFound, "job %s not found", id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryJobs) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.jobs[id]
	return ok, nil
}

// MemoryBindings implements BindingRepository in process.
type MemoryBindings struct {
	mu   sync.RWMutex
	seq  int64
	byID map[int64]Binding
}

// NewMemoryBindings creates an empty binding store.
func NewMemoryBindings() *MemoryBindings {
	return &MemoryBindings{byID: make(map[int64]Binding)}
}

func (m *MemoryBindings) Create(ctx context.Context, b Binding) (Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	b.ID = m.seq
	m.byID[b.ID] = b
	return b, nil
}

func (m *MemoryBindings) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return sif.Errorf(sif.ErrNotFound, "binding %d not found", id)
	}
	delete(m.byID, id)
	return nil
}

func (m *MemoryBindings) RetrieveByRefID(ctx context.Context, refID uuid.UUID) ([]Binding, error) {
	return m.match(func(b Binding) bool { return b.RefID == refID }), nil
}

func (m *MemoryBindings) RetrieveByBinding(ctx context.Context, refID uuid.UUID, ownerID string) ([]Binding, error) {
	return m.match(func(b Binding) bool { return b.RefID == refID && b.OwnerID == ownerID }), nil
}

func (m *MemoryBindings) match(keep func(Binding) bool) []Binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Binding
	for _, b := range m.byID {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}
