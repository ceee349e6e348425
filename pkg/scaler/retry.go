package scaler

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ryandielhenn/replscale/internal/telemetry"
	"github.com/ryandielhenn/replscale/pkg/membership"
	"github.com/ryandielhenn/replscale/pkg/replset"
)

// RetryPolicy bounds every reconfiguration submission. Only conflicts are
// retried; MaxAttempts of 1 submits once.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialInterval: 500 * time.Millisecond, MaxInterval: 10 * time.Second}
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

func (o *Orchestrator) reconfigure(ctx context.Context, role replset.Role, cfg membership.ReplicaSetConfig) error {
	admin := o.admin(role)
	log := o.log.With(zap.String("role", string(role)), zap.Int32("version", cfg.Version))

	attempts := 0
	conflict := false
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := admin.Reconfigure(ctx, cfg)
		switch {
		case err == nil:
			telemetry.ReconfigureAttempts.WithLabelValues(string(role), "accepted").Inc()
			return nil
		case errors.Is(err, replset.ErrReconfigurationConflict):
			conflict = true
			telemetry.ReconfigureAttempts.WithLabelValues(string(role), "conflict").Inc()
			log.Warn("reconfig conflict, will retry", zap.Int("attempt", attempts), zap.Error(err))
			return err
		default:
			conflict = false
			telemetry.ReconfigureAttempts.WithLabelValues(string(role), "error").Inc()
			return backoff.Permanent(err)
		}
	}

	err := backoff.Retry(op, o.opts.Retry.backoff(ctx))
	if err == nil {
		log.Info("reconfig committed", zap.Int("attempts", attempts), zap.Int("members", cfg.Size()))
		return nil
	}
	return &ReconfigurationError{
		Role:      role,
		Attempts:  attempts,
		Exhausted: conflict && ctx.Err() == nil,
		Err:       err,
	}
}
