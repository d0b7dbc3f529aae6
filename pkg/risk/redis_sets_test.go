package risk

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisSets(t *testing.T) (*RedisSets, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSets(client), mr
}

func TestRedisSetsMembership(t *testing.T) {
	s, mr := newRedisSets(t)
	ctx := context.Background()
	for _, subject := range []string{"b", "a"} {
		if err := s.AddWhitelist(ctx, subject); err != nil {
			t.Fatalf("add whitelist: %v", err)
		}
		if err := s.AddWatch(ctx, subject); err != nil {
			t.Fatalf("add watch: %v", err)
		}
	}
	if ok, err := s.IsWhitelisted(ctx, "a"); err != nil || !ok {
		t.Fatalf("expected a whitelisted ok=%v err=%v", ok, err)
	}
	wl, _ := s.Whitelist(ctx)
	if len(wl) != 2 || wl[0] != "a" {
		t.Fatalf("expected sorted whitelist got=%v", wl)
	}
	if !mr.Exists("remnashop:risk:watchlist") {
		t.Fatal("expected prefixed watchlist key")
	}
	_ = s.RemoveWatch(ctx, "a")
	_ = s.RemoveWhitelist(ctx, "b")
	watch, _ := s.Watchlist(ctx)
	if len(watch) != 1 || watch[0] != "b" {
		t.Fatalf("unexpected watchlist %v", watch)
	}
	if ok, _ := s.IsWhitelisted(ctx, "b"); ok {
		t.Fatal("b should be removed from whitelist")
	}
}

func TestRedisSetsCandidates(t *testing.T) {
	s, _ := newRedisSets(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_ = s.AddCandidate(ctx, "old", now.Add(-48*time.Hour))
	_ = s.AddCandidate(ctx, "older", now.Add(-72*time.Hour))
	_ = s.AddCandidate(ctx, "new", now)

	got, err := s.CandidatesBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 || got[0].SubjectID != "older" || got[1].SubjectID != "old" {
		t.Fatalf("unexpected candidates %+v", got)
	}
	if !got[1].LimitedAt.Equal(now.Add(-48 * time.Hour)) {
		t.Fatalf("unexpected limited_at %v", got[1].LimitedAt)
	}
	_ = s.RemoveCandidate(ctx, "older")
	got, _ = s.CandidatesBefore(ctx, now)
	if len(got) != 2 {
		t.Fatalf("expected two remaining got=%+v", got)
	}
}

func TestNewSubjectSetsFallsBackToMemory(t *testing.T) {
	if _, ok := NewSubjectSets(context.Background(), nil).(*MemorySets); !ok {
		t.Fatal("expected memory sets without a client")
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	if _, ok := NewSubjectSets(context.Background(), client).(*RedisSets); !ok {
		t.Fatal("expected redis sets with a live client")
	}
	mr.Close()
	if _, ok := NewSubjectSets(context.Background(), client).(*MemorySets); !ok {
		t.Fatal("expected memory sets when redis is down")
	}
}
