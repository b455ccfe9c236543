package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	identityPrefix   = "yahtzee:identity:"
	identityIndexKey = "yahtzee:identities"
)

// Both scripts only touch the key while the caller still owns it, so a
// broker that lost its claim to expiry cannot clobber the new owner.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SREM", KEYS[2], ARGV[2])
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// IdentityRegistry stores identity claims as expiring keys so several broker
// instances share one namespace. Owners must Refresh within ttl.
type IdentityRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewIdentityRegistry(client *redis.Client, ttl time.Duration) ports.IdentityRegistry {
	return &IdentityRegistry{
		client: client,
		ttl:    ttl,
	}
}

func identityKey(id domain.PeerID) string {
	return identityPrefix + string(id)
}

func (r *IdentityRegistry) Claim(ctx context.Context, id domain.PeerID, owner string) error {
	ok, err := r.client.SetNX(ctx, identityKey(id), owner, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to claim identity in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("claim %s: %w", id, domain.ErrIdentityTaken)
	}

	if err := r.client.SAdd(ctx, identityIndexKey, string(id)).Err(); err != nil {
		return fmt.Errorf("failed to index identity: %w", err)
	}
	return nil
}

func (r *IdentityRegistry) Refresh(ctx context.Context, id domain.PeerID, owner string) error {
	n, err := refreshScript.Run(ctx, r.client, []string{identityKey(id)}, owner, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh identity in Redis: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("refresh %s: %w", id, domain.ErrIdentityTaken)
	}
	return nil
}

func (r *IdentityRegistry) Release(ctx context.Context, id domain.PeerID, owner string) error {
	err := releaseScript.Run(ctx, r.client, []string{identityKey(id), identityIndexKey}, owner, string(id)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release identity in Redis: %w", err)
	}
	return nil
}

func (r *IdentityRegistry) Owner(ctx context.Context, id domain.PeerID) (string, error) {
	owner, err := r.client.Get(ctx, identityKey(id)).Result()
	if err == redis.Nil {
		return "", domain.ErrPeerUnavailable
	}
	if err != nil {
		return "", fmt.Errorf("failed to get identity owner from Redis: %w", err)
	}
	return owner, nil
}

// Count returns the number of live claims, pruning index entries whose key
// has expired.
func (r *IdentityRegistry) Count(ctx context.Context) (int, error) {
	return pruneIdentityIndex(ctx, r.client)
}

func pruneIdentityIndex(ctx context.Context, client *redis.Client) (int, error) {
	ids, err := client.SMembers(ctx, identityIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list identities: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, identityPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to check identities: %w", err)
	}

	live := 0
	var stale []interface{}
	for i, cmd := range exists {
		if cmd.Val() > 0 {
			live++
		} else {
			stale = append(stale, ids[i])
		}
	}
	if len(stale) > 0 {
		if err := client.SRem(ctx, identityIndexKey, stale...).Err(); err != nil {
			return live, fmt.Errorf("failed to prune identity index: %w", err)
		}
	}
	return live, nil
}
