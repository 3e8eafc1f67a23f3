package store

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/catalogfi/gardend/pkg/escrow"
	"github.com/redis/go-redis/v9"
)

type redisActionStore struct {
	client *redis.Client
}

// NewRedisActionStore is the shared-deployment variant of the action store,
// so multiple coordinator replicas never repeat an irreversible chain call.
func NewRedisActionStore(redisURL string) (ActionStore, error) {
	parsedURL, err := url.Parse(redisURL)
	if err != nil {
		return nil, err
	}
	redisPassword, _ := parsedURL.User.Password()
	client := redis.NewClient(&redis.Options{
		Addr:     parsedURL.Host,
		Password: redisPassword,
		DB:       0, // Use default DB.
	})
	return redisActionStore{client: client}, nil
}

func (rs redisActionStore) CheckAction(action Action, orderID uint64, index int, role escrow.ChainRole) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := rs.client.Get(ctx, actionKey(action, orderID, index, role)).Bool()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return ok, err
}

func (rs redisActionStore) RecordAction(action Action, orderID uint64, index int, role escrow.ChainRole) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return rs.client.Set(ctx, actionKey(action, orderID, index, role), true, 0).Err()
}
