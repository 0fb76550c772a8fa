package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"
	"github.com/secmon-lab/herald/pkg/service/worker"
	"github.com/secmon-lab/herald/pkg/usecase"
	"github.com/urfave/cli/v3"
)

// Scheduler holds the dispatch loop settings
type Scheduler struct {
	interval    time.Duration
	concurrency int
	batch       int
	lease       time.Duration

	redisAddr     string
	redisPassword string
	lockKey       string
}

func (x *Scheduler) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:        "dispatch-interval",
			Usage:       "How often due messages are scanned",
			Category:    "Scheduler",
			Value:       15 * time.Second,
			Sources:     cli.EnvVars("HERALD_DISPATCH_INTERVAL"),
			Destination: &x.interval,
		},
		&cli.IntFlag{
			Name:        "dispatch-concurrency",
			Usage:       "Concurrent sends per scan",
			Category:    "Scheduler",
			Value:       usecase.DefaultDispatchConcurrency,
			Sources:     cli.EnvVars("HERALD_DISPATCH_CONCURRENCY"),
			Destination: &x.concurrency,
		},
		&cli.IntFlag{
			Name:        "dispatch-batch",
			Usage:       "Maximum due messages taken by one scan",
			Category:    "Scheduler",
			Value:       usecase.DefaultDispatchBatch,
			Sources:     cli.EnvVars("HERALD_DISPATCH_BATCH"),
			Destination: &x.batch,
		},
		&cli.DurationFlag{
			Name:        "claim-lease",
			Usage:       "How long a claimed message is owned before another instance may take it",
			Category:    "Scheduler",
			Value:       usecase.DefaultClaimLease,
			Sources:     cli.EnvVars("HERALD_CLAIM_LEASE"),
			Destination: &x.lease,
		},
		&cli.StringFlag{
			Name:        "redis-addr",
			Usage:       "Redis address (host:port) for the cross-instance scan lock; empty disables it",
			Category:    "Scheduler",
			Sources:     cli.EnvVars("HERALD_REDIS_ADDR"),
			Destination: &x.redisAddr,
		},
		&cli.StringFlag{
			Name:        "redis-password",
			Usage:       "Redis password",
			Category:    "Scheduler",
			Sources:     cli.EnvVars("HERALD_REDIS_PASSWORD"),
			Destination: &x.redisPassword,
		},
		&cli.StringFlag{
			Name:        "dispatch-lock-key",
			Usage:       "Redis key of the scan lock",
			Category:    "Scheduler",
			Value:       worker.DefaultLockKey,
			Sources:     cli.EnvVars("HERALD_DISPATCH_LOCK_KEY"),
			Destination: &x.lockKey,
		},
	}
}

func (x Scheduler) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Duration("interval", x.interval),
		slog.Int("concurrency", x.concurrency),
		slog.Int("batch", x.batch),
		slog.Duration("lease", x.lease),
		slog.String("redis_addr", x.redisAddr),
		slog.Int("redis_password.len", len(x.redisPassword)),
	)
}

// Interval returns the scan interval
func (x *Scheduler) Interval() time.Duration {
	return x.interval
}

// UseCaseOptions returns the dispatch tuning for the use cases
func (x *Scheduler) UseCaseOptions() []usecase.Option {
	return []usecase.Option{
		usecase.WithDispatchConcurrency(x.concurrency),
		usecase.WithDispatchBatch(x.batch),
		usecase.WithClaimLease(x.lease),
	}
}

// Configure validates the settings and connects the scan lock when a Redis
// address is set. The returned closer releases the Redis connection.
func (x *Scheduler) Configure(ctx context.Context) ([]worker.Option, func(), error) {
	if x.interval <= 0 {
		return nil, nil, goerr.Wrap(ErrInvalidConfig, "dispatch interval must be positive", goerr.V("interval", x.interval))
	}
	if x.concurrency <= 0 || x.batch <= 0 {
		return nil, nil, goerr.Wrap(ErrInvalidConfig, "dispatch concurrency and batch must be positive",
			goerr.V("concurrency", x.concurrency), goerr.V("batch", x.batch))
	}

	if x.redisAddr == "" {
		return nil, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     x.redisAddr,
		Password: x.redisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, goerr.Wrap(err, "failed to connect to redis", goerr.V("addr", x.redisAddr))
	}

	// a crashed holder blocks scans for at most one interval
	opts := []worker.Option{
		worker.WithLock(redislock.New(client), x.lockKey, x.interval),
	}
	return opts, func() { _ = client.Close() }, nil
}
