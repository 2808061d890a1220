package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/lottery-saga/internal/core/domain"
)

type TriggerStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.ScheduledJob
	// ProvisionErr, when set, is returned by Provision.
	ProvisionErr   error
	provisionCalls int
}

func NewTriggerStore() *TriggerStore {
	return &TriggerStore{jobs: make(map[string]*domain.ScheduledJob)}
}

func jobKey(group, name string) string {
	return group + "/" + name
}

func (s *TriggerStore) Provision(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisionCalls++
	return s.ProvisionErr
}

func (s *TriggerStore) ProvisionCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provisionCalls
}

func (s *TriggerStore) Schedule(ctx context.Context, job domain.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := job
	j.Payload = slices.Clone(job.Payload)
	j.State = domain.TriggerWaiting
	j.AcquiredBy = ""
	j.AcquiredAt = nil
	j.Attempts = 0
	s.jobs[jobKey(job.Group, job.Name)] = &j
	return nil
}

func (s *TriggerStore) Unschedule(ctx context.Context, group, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := jobKey(group, name)
	if _, ok := s.jobs[key]; !ok {
		return false, nil
	}
	delete(s.jobs, key)
	return true, nil
}

func (s *TriggerStore) Get(ctx context.Context, group, name string) (*domain.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobKey(group, name)]
	if !ok {
		return nil, nil
	}
	c := *j
	return &c, nil
}

func (s *TriggerStore) AcquireDue(ctx context.Context, instance string, now time.Time, limit int) ([]domain.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.ScheduledJob
	for _, j := range s.jobs {
		if j.State == domain.TriggerWaiting && !j.FireAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].FireAt.Before(due[k].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.ScheduledJob, 0, len(due))
	for _, j := range due {
		at := now
		j.State = domain.TriggerAcquired
		j.AcquiredBy = instance
		j.AcquiredAt = &at
		j.Attempts++
		out = append(out, *j)
	}
	return out, nil
}

func (s *TriggerStore) Complete(ctx context.Context, job domain.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := jobKey(job.Group, job.Name)
	cur, ok := s.jobs[key]
	if !ok {
		return nil
	}
	if cur.State == domain.TriggerAcquired && cur.AcquiredBy == job.AcquiredBy && cur.FireAt.Equal(job.FireAt) {
		delete(s.jobs, key)
	}
	return nil
}

func (s *TriggerStore) Retry(ctx context.Context, job domain.ScheduledJob, nextFireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[jobKey(job.Group, job.Name)]
	if !ok || cur.State != domain.TriggerAcquired || cur.AcquiredBy != job.AcquiredBy || !cur.FireAt.Equal(job.FireAt) {
		return nil
	}
	cur.State = domain.TriggerWaiting
	cur.AcquiredBy = ""
	cur.AcquiredAt = nil
	cur.FireAt = nextFireAt
	return nil
}

func (s *TriggerStore) RecoverOrphans(ctx context.Context, acquiredBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.State == domain.TriggerAcquired && j.AcquiredAt != nil && j.AcquiredAt.Before(acquiredBefore) {
			j.State = domain.TriggerWaiting
			j.AcquiredBy = ""
			j.AcquiredAt = nil
			n++
		}
	}
	return n, nil
}
