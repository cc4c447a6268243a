package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"syncbridge/internal/domain"
	"syncbridge/internal/metrics"
	"syncbridge/internal/models"

	"github.com/rs/zerolog"
)

const failoverRecoverAfter = time.Minute

// FailoverStore routes calls to primary and degrades to fallback while primary errors.
// Recovery is probed at most once per failoverRecoverAfter.
type FailoverStore struct {
	primary  domain.Store
	fallback domain.Store
	logger   *zerolog.Logger

	mu        sync.Mutex
	isDown    bool
	lastCheck time.Time
	now       func() time.Time

	// lock tokens granted by the fallback while primary was down
	fallbackTokens sync.Map
}

func NewFailoverStore(primary, fallback domain.Store, logger *zerolog.Logger) *FailoverStore {
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// Degraded reports whether calls currently go to the fallback.
func (r *FailoverStore) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isDown
}

func (r *FailoverStore) usePrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isDown {
		return true
	}
	if r.now().Sub(r.lastCheck) > failoverRecoverAfter {
		r.lastCheck = r.now()
		return true
	}
	return false
}

func (r *FailoverStore) primaryFailed(op string, err error) {
	r.mu.Lock()
	wasDown := r.isDown
	r.isDown = true
	r.lastCheck = r.now()
	r.mu.Unlock()

	if !wasDown {
		metrics.IncStoreFailover()
		r.logger.Error().Err(err).Str("op", op).Msg("Primary store failed, falling back to memory")
	}
}

func (r *FailoverStore) primaryOK() {
	r.mu.Lock()
	wasDown := r.isDown
	r.isDown = false
	r.mu.Unlock()

	if wasDown {
		r.logger.Info().Msg("Primary store recovered")
	}
}

func withFailover[T any](r *FailoverStore, op string, call func(domain.Store) (T, error)) (T, error) {
	if r.usePrimary() {
		out, err := call(r.primary)
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			r.primaryOK()
			return out, err
		}
		r.primaryFailed(op, err)
	}
	return call(r.fallback)
}

func (r *FailoverStore) Enqueue(ctx context.Context, jobs []models.Job) (models.EnqueueResult, error) {
	return withFailover(r, "enqueue", func(s domain.Store) (models.EnqueueResult, error) {
		return s.Enqueue(ctx, jobs)
	})
}

// Drain hands out jobs parked in the fallback during an outage before primary ones.
func (r *FailoverStore) Drain(ctx context.Context, max int) ([]models.Job, error) {
	jobs, err := r.fallback.Drain(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(jobs) >= max || !r.usePrimary() {
		return jobs, nil
	}

	more, err := r.primary.Drain(ctx, max-len(jobs))
	if err != nil {
		r.primaryFailed("drain", err)
		return jobs, nil
	}
	r.primaryOK()
	return append(jobs, more...), nil
}

func (r *FailoverStore) Depth(ctx context.Context) (int, error) {
	parked, err := r.fallback.Depth(ctx)
	if err != nil {
		return 0, err
	}
	if !r.usePrimary() {
		return parked, nil
	}
	n, err := r.primary.Depth(ctx)
	if err != nil {
		r.primaryFailed("depth", err)
		return parked, nil
	}
	r.primaryOK()
	return parked + n, nil
}

func (r *FailoverStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if r.usePrimary() {
		token, err := r.primary.AcquireLock(ctx, key, ttl)
		if err == nil {
			r.primaryOK()
			return token, nil
		}
		r.primaryFailed("acquire_lock", err)
	}

	token, err := r.fallback.AcquireLock(ctx, key, ttl)
	if err == nil && token != "" {
		r.fallbackTokens.Store(token, struct{}{})
	}
	return token, err
}

func (r *FailoverStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	if _, ok := r.fallbackTokens.LoadAndDelete(token); ok {
		return r.fallback.ReleaseLock(ctx, key, token)
	}

	released, err := r.primary.ReleaseLock(ctx, key, token)
	if err != nil {
		// The lock lapses on its TTL.
		r.primaryFailed("release_lock", err)
		return false, nil
	}
	r.primaryOK()
	return released, nil
}

func (r *FailoverStore) PushDeadLetter(ctx context.Context, job models.Job) error {
	_, err := withFailover(r, "dead_letter", func(s domain.Store) (struct{}, error) {
		return struct{}{}, s.PushDeadLetter(ctx, job)
	})
	return err
}

func (r *FailoverStore) Get(ctx context.Context, key string) ([]byte, error) {
	return withFailover(r, "get", func(s domain.Store) ([]byte, error) {
		return s.Get(ctx, key)
	})
}

func (r *FailoverStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := withFailover(r, "set", func(s domain.Store) (struct{}, error) {
		return struct{}{}, s.Set(ctx, key, value, ttl)
	})
	return err
}

func (r *FailoverStore) Delete(ctx context.Context, key string) error {
	_, err := withFailover(r, "delete", func(s domain.Store) (struct{}, error) {
		return struct{}{}, s.Delete(ctx, key)
	})
	return err
}

func (r *FailoverStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	return withFailover(r, "list", func(s domain.Store) (map[string][]byte, error) {
		return s.List(ctx, prefix)
	})
}

// Ping reports primary health; the fallback is always reachable.
func (r *FailoverStore) Ping(ctx context.Context) error {
	if err := r.primary.Ping(ctx); err != nil {
		r.primaryFailed("ping", err)
		return err
	}
	r.primaryOK()
	return nil
}

func (r *FailoverStore) Close() error {
	return errors.Join(r.primary.Close(), r.fallback.Close())
}

var _ domain.Store = (*FailoverStore)(nil)
