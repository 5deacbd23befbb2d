// Package backend opens the storage backends selected in the configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/user/groupstream/internal/config"
	"github.com/user/groupstream/internal/pgstore"
	"github.com/user/groupstream/internal/redisstore"
	"github.com/user/groupstream/internal/state"
	"github.com/user/groupstream/internal/types"
)

// Stores bundles every store the service needs.
type Stores struct {
	Sequence types.SequenceAllocator
	Runs     types.RunRegistry
	Events   types.EventLog
	Queue    types.WorkQueue
	Messages types.MessageStore

	// Purge removes expired local run data. Nil when runs live in Redis,
	// where keys expire on their own.
	Purge func(ctx context.Context) (int, error)

	pingers []func(ctx context.Context) error
	closers []func()
}

// Ping checks every remote connection.
func (s *Stores) Ping(ctx context.Context) error {
	for _, ping := range s.pingers {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases remote connections in reverse order of opening. Calling it
// again is a no-op.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Option adjusts how Open prepares the stores.
type Option func(*options)

type options struct {
	recoverQueue bool
}

// WithQueueRecovery moves work items left in flight by a previous process
// back to pending. Only the process that runs workers should ask for it.
func WithQueueRecovery() Option {
	return func(o *options) { o.recoverQueue = true }
}

// Open builds the stores described by cfg.Storage.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Stores, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	st := cfg.Storage
	ttl := st.RunTTL.Std()
	s := &Stores{}

	var (
		rdb  *redis.Client
		pool *pgxpool.Pool
	)
	needRedis := st.Backend == "redis" || st.Sequence == "redis"
	needPostgres := st.Messages == "postgres" || st.Sequence == "postgres"

	if needRedis {
		if st.RedisURL == "" {
			return nil, fmt.Errorf("storage.redis_url is required for the redis backend")
		}
		client, err := redisstore.Connect(ctx, st.RedisURL)
		if err != nil {
			return nil, err
		}
		rdb = client
		s.pingers = append(s.pingers, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		s.closers = append(s.closers, func() { rdb.Close() })
	}
	if needPostgres {
		if st.DatabaseURL == "" {
			s.Close()
			return nil, fmt.Errorf("storage.database_url is required for the postgres backend")
		}
		p, err := pgstore.Connect(ctx, st.DatabaseURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		pool = p
		s.pingers = append(s.pingers, pool.Ping)
		s.closers = append(s.closers, pool.Close)
		if err := pgstore.Migrate(ctx, pool); err != nil {
			s.Close()
			return nil, err
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		s.Close()
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	switch st.Backend {
	case "redis":
		q := redisstore.NewQueue(rdb, st.QueueName)
		if o.recoverQueue {
			n, err := q.Recover(ctx)
			if err != nil {
				s.Close()
				return nil, err
			}
			if n > 0 {
				slog.Warn("recovered in-flight work items", "count", n)
			}
		}
		s.Runs = redisstore.NewRunStore(rdb, ttl)
		s.Events = redisstore.NewEventLog(rdb, ttl)
		s.Queue = q
	case "local", "":
		runs := state.NewRunStore(cfg.DataDir, ttl)
		events := state.NewEventLog(cfg.DataDir, ttl)
		s.Runs = runs
		s.Events = events
		s.Queue = state.NewQueue(st.QueueCapacity)
		s.Purge = func(ctx context.Context) (int, error) {
			return runs.Purge(ctx, events.Forget)
		}
	default:
		s.Close()
		return nil, fmt.Errorf("unknown storage.backend %q", st.Backend)
	}

	switch st.Messages {
	case "postgres":
		s.Messages = pgstore.NewMessageStore(pool)
	case "local", "":
		s.Messages = state.NewMessageStore(cfg.DataDir)
	default:
		s.Close()
		return nil, fmt.Errorf("unknown storage.messages %q", st.Messages)
	}

	switch st.Sequence {
	case "redis":
		s.Sequence = redisstore.NewSequence(rdb)
	case "postgres":
		s.Sequence = pgstore.NewSequence(pool)
	case "local", "":
		s.Sequence = state.NewSequenceStore(cfg.DataDir)
	default:
		s.Close()
		return nil, fmt.Errorf("unknown storage.sequence %q", st.Sequence)
	}

	slog.Info("storage ready",
		"backend", st.Backend,
		"messages", st.Messages,
		"sequence", st.Sequence,
		"run_ttl", ttl,
	)
	return s, nil
}
