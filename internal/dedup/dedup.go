// Package dedup keeps track of record ids that were already taken by a worker,
// so a redelivered message is acknowledged instead of composed twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-redis/redis/v8"
)

// Store claims record ids. Claim reports true exactly once per id for the
// lifetime of the store; Complete marks a claimed id as finished.
type Store interface {
	Claim(ctx context.Context, recordID string) (bool, error)
	Complete(ctx context.Context, recordID string) error
}

// Memory is a process-local store. It forgets everything on restart and does
// not coordinate between worker instances.
type Memory struct {
	seen mapset.Set[string]
}

func NewMemory() *Memory {
	return &Memory{seen: mapset.NewSet[string]()}
}

func (m *Memory) Claim(_ context.Context, recordID string) (bool, error) {
	return m.seen.Add(recordID), nil
}

func (m *Memory) Complete(context.Context, string) error {
	return nil
}

// Len returns the number of claimed ids.
func (m *Memory) Len() int {
	return m.seen.Cardinality()
}

const (
	redisKeyPrefix = "processed:"
	stateInFlight  = "in_flight"
	stateDone      = "done"
)

// Redis shares claims between worker instances through SET NX with a TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) key(recordID string) string {
	return redisKeyPrefix + recordID
}

func (r *Redis) Claim(ctx context.Context, recordID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(recordID), stateInFlight, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim record %s: %w", recordID, err)
	}
	return ok, nil
}

func (r *Redis) Complete(ctx context.Context, recordID string) error {
	if err := r.client.Set(ctx, r.key(recordID), stateDone, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to complete record %s: %w", recordID, err)
	}
	return nil
}

// Claimer is the part of the record database the Postgres store needs.
type Claimer interface {
	ClaimRecord(ctx context.Context, recordID string) (bool, error)
}

// Postgres claims through the records table, which also keeps the record
// history served by the API.
type Postgres struct {
	db Claimer
}

func NewPostgres(db Claimer) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Claim(ctx context.Context, recordID string) (bool, error) {
	return p.db.ClaimRecord(ctx, recordID)
}

// Complete is a no-op: the worker records the outcome in the same table.
func (p *Postgres) Complete(context.Context, string) error {
	return nil
}
