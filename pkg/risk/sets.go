package risk

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Candidate is a rate-limited subject awaiting automatic unfreeze.
type Candidate struct {
	SubjectID string    `json:"subject_id"`
	LimitedAt time.Time `json:"limited_at"`
}

// SubjectSets holds the operator-visible subject sets.
type SubjectSets interface {
	IsWhitelisted(ctx context.Context, subject string) (bool, error)
	Whitelist(ctx context.Context) ([]string, error)
	AddWhitelist(ctx context.Context, subject string) error
	RemoveWhitelist(ctx context.Context, subject string) error
	AddWatch(ctx context.Context, subject string) error
	Watchlist(ctx context.Context) ([]string, error)
	RemoveWatch(ctx context.Context, subject string) error
	AddCandidate(ctx context.Context, subject string, at time.Time) error
	RemoveCandidate(ctx context.Context, subject string) error
	// CandidatesBefore lists candidates limited at or before cutoff, oldest first.
	CandidatesBefore(ctx context.Context, cutoff time.Time) ([]Candidate, error)
}

type MemorySets struct {
	mu         sync.Mutex
	whitelist  map[string]struct{}
	watchlist  map[string]struct{}
	candidates map[string]time.Time
}

var _ SubjectSets = (*MemorySets)(nil)

func NewMemorySets() *MemorySets {
	return &MemorySets{
		whitelist:  map[string]struct{}{},
		watchlist:  map[string]struct{}{},
		candidates: map[string]time.Time{},
	}
}

func (m *MemorySets) IsWhitelisted(_ context.Context, subject string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.whitelist[subject]
	return ok, nil
}

func (m *MemorySets) Whitelist(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.whitelist), nil
}

func (m *MemorySets) AddWhitelist(_ context.Context, subject string) error {
	m.mu.Lock()
	m.whitelist[subject] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemorySets) RemoveWhitelist(_ context.Context, subject string) error {
	m.mu.Lock()
	delete(m.whitelist, subject)
	m.mu.Unlock()
	return nil
}

func (m *MemorySets) AddWatch(_ context.Context, subject string) error {
	m.mu.Lock()
	m.watchlist[subject] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemorySets) Watchlist(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.watchlist), nil
}

func (m *MemorySets) RemoveWatch(_ context.Context, subject string) error {
	m.mu.Lock()
	delete(m.watchlist, subject)
	m.mu.Unlock()
	return nil
}

func (m *MemorySets) AddCandidate(_ context.Context, subject string, at time.Time) error {
	m.mu.Lock()
	m.candidates[subject] = at
	m.mu.Unlock()
	return nil
}

func (m *MemorySets) RemoveCandidate(_ context.Context, subject string) error {
	m.mu.Lock()
	delete(m.candidates, subject)
	m.mu.Unlock()
	return nil
}

func (m *MemorySets) CandidatesBefore(_ context.Context, cutoff time.Time) ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Candidate{}
	for s, at := range m.candidates {
		if !at.After(cutoff) {
			out = append(out, Candidate{SubjectID: s, LimitedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LimitedAt.Equal(out[j].LimitedAt) {
			return out[i].LimitedAt.Before(out[j].LimitedAt)
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	return out, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
