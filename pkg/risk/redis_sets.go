package risk

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSets stores the subject sets in Redis: two SETs and a ZSET scored by
// the unix second a subject was limited.
type RedisSets struct {
	Client *redis.Client
	Prefix string
}

var _ SubjectSets = (*RedisSets)(nil)

func NewRedisSets(client *redis.Client) *RedisSets {
	return &RedisSets{Client: client, Prefix: "remnashop:risk:"}
}

func (r *RedisSets) key(name string) string { return r.Prefix + name }

func (r *RedisSets) IsWhitelisted(ctx context.Context, subject string) (bool, error) {
	return r.Client.SIsMember(ctx, r.key("whitelist"), subject).Result()
}

func (r *RedisSets) Whitelist(ctx context.Context) ([]string, error) {
	out, err := r.Client.SMembers(ctx, r.key("whitelist")).Result()
	sort.Strings(out)
	return out, err
}

func (r *RedisSets) AddWhitelist(ctx context.Context, subject string) error {
	return r.Client.SAdd(ctx, r.key("whitelist"), subject).Err()
}

func (r *RedisSets) RemoveWhitelist(ctx context.Context, subject string) error {
	return r.Client.SRem(ctx, r.key("whitelist"), subject).Err()
}

func (r *RedisSets) AddWatch(ctx context.Context, subject string) error {
	return r.Client.SAdd(ctx, r.key("watchlist"), subject).Err()
}

func (r *RedisSets) Watchlist(ctx context.Context) ([]string, error) {
	out, err := r.Client.SMembers(ctx, r.key("watchlist")).Result()
	sort.Strings(out)
	return out, err
}

func (r *RedisSets) RemoveWatch(ctx context.Context, subject string) error {
	return r.Client.SRem(ctx, r.key("watchlist"), subject).Err()
}

func (r *RedisSets) AddCandidate(ctx context.Context, subject string, at time.Time) error {
	return r.Client.ZAdd(ctx, r.key("unfreeze"), redis.Z{Score: float64(at.Unix()), Member: subject}).Err()
}

func (r *RedisSets) RemoveCandidate(ctx context.Context, subject string) error {
	return r.Client.ZRem(ctx, r.key("unfreeze"), subject).Err()
}

func (r *RedisSets) CandidatesBefore(ctx context.Context, cutoff time.Time) ([]Candidate, error) {
	res, err := r.Client.ZRangeByScoreWithScores(ctx, r.key("unfreeze"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(res))
	for _, z := range res {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, Candidate{SubjectID: member, LimitedAt: time.Unix(int64(z.Score), 0).UTC()})
	}
	return out, nil
}

// NewSubjectSets uses Redis when it answers a ping, memory otherwise.
func NewSubjectSets(ctx context.Context, client *redis.Client) SubjectSets {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisSets(client)
		}
	}
	return NewMemorySets()
}
