package connector

import (
	"context"
	"fmt"

	"idsync/pkg/models"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "idsync:member:"

// Redis stores memberships as one Redis set per person and system. SADD and
// SREM make Apply idempotent without a read.
type Redis struct {
	Client redis.Cmdable
	Name   string
	Prefix string
}

func NewRedis(client redis.Cmdable, system string) *Redis {
	return &Redis{Client: client, Name: system, Prefix: defaultRedisPrefix}
}

func (r *Redis) System() string { return r.Name }

func (r *Redis) key(personID string) string {
	prefix := r.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return prefix + r.Name + ":" + personID
}

func (r *Redis) Read(ctx context.Context, personID string) (models.ResourceSet, error) {
	members, err := r.Client.SMembers(ctx, r.key(personID)).Result()
	if err != nil {
		return nil, err
	}
	return models.NewResourceSet(members...), nil
}

func (r *Redis) Apply(ctx context.Context, personID string, action models.Action) error {
	if action.System != r.Name {
		return fmt.Errorf("action for %s sent to %s connector", action.System, r.Name)
	}
	switch action.Op {
	case models.OpAdd:
		return r.Client.SAdd(ctx, r.key(personID), action.Resource).Err()
	case models.OpRemove:
		return r.Client.SRem(ctx, r.key(personID), action.Resource).Err()
	default:
		return fmt.Errorf("unknown op %q", action.Op)
	}
}
