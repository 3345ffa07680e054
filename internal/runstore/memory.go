package runstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// repoMemory keeps runs in process memory. Used when no DATABASE_URL is
// configured; runs are lost on restart.
type repoMemory struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*Run
}

func NewRepoMemory() Repository {
	return &repoMemory{runs: map[uuid.UUID]*Run{}}
}

func (m *repoMemory) Create(_ context.Context, r *Run) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *repoMemory) Update(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *repoMemory) GetByID(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *repoMemory) List(_ context.Context, limit, offset int) ([]*Run, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}
