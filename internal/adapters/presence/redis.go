package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/Duet/internal/domain"
)

// RedisStore keeps presence in a Redis hash so reachability survives a relay
// restart and other services (contacts, push) can read the same view.
type RedisStore struct {
	rdb     *redis.Client
	keyUser string
}

// NewRedisStore builds a presence store backed by Redis. Prefix is optional
// (e.g. "duet:presence").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "duet"
	}
	return &RedisStore{
		rdb:     rdb,
		keyUser: fmt.Sprintf("%s:online", p),
	}
}

func (s *RedisStore) SetOnline(ctx context.Context, user *domain.User) error {
	b, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.keyUser, string(user.ID), b).Err()
}

func (s *RedisStore) SetOffline(ctx context.Context, id domain.UserID) error {
	return s.rdb.HDel(ctx, s.keyUser, string(id)).Err()
}

func (s *RedisStore) IsOnline(ctx context.Context, id domain.UserID) (bool, error) {
	return s.rdb.HExists(ctx, s.keyUser, string(id)).Result()
}

func (s *RedisStore) Profile(ctx context.Context, id domain.UserID) (*domain.User, error) {
	raw, err := s.rdb.HGet(ctx, s.keyUser, string(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("presence: no profile for %s", id)
	}
	if err != nil {
		return nil, err
	}
	var u domain.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, err
	}
	return &u, nil
}
