package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"syncbridge/internal/domain"
	"syncbridge/internal/models"

	"github.com/google/uuid"
)

// MemoryStore is the process-scoped queue/state backend. A crash loses everything in it;
// it exists for tests, single-shot tooling and as the failover target of a durable store.
type MemoryStore struct {
	mu          sync.Mutex
	queue       []models.Job
	queued      map[string]struct{}
	locks       map[string]memoryLock
	state       map[string]memoryValue
	deadLetters []models.Job
	now         func() time.Time
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

type memoryValue struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queued: make(map[string]struct{}),
		locks:  make(map[string]memoryLock),
		state:  make(map[string]memoryValue),
		now:    time.Now,
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, jobs []models.Job) (models.EnqueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res models.EnqueueResult
	for _, job := range jobs {
		if job.DedupKey == "" {
			res.Skipped++
			continue
		}
		if _, ok := s.queued[job.DedupKey]; ok {
			res.Deduped++
			continue
		}
		s.queue = append(s.queue, stampJob(job, s.now()))
		s.queued[job.DedupKey] = struct{}{}
		res.Enqueued++
	}
	return res, nil
}

func (s *MemoryStore) Drain(ctx context.Context, max int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max <= 0 || len(s.queue) == 0 {
		return nil, nil
	}
	if max > len(s.queue) {
		max = len(s.queue)
	}
	out := append([]models.Job(nil), s.queue[:max]...)
	s.queue = append([]models.Job(nil), s.queue[max:]...)
	for _, job := range out {
		delete(s.queued, job.DedupKey)
	}
	return out, nil
}

func (s *MemoryStore) Depth(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if held, ok := s.locks[key]; ok && now.Before(held.expiresAt) {
		return "", nil
	}
	token := uuid.NewString()
	s.locks[key] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[key]
	if !ok || token == "" || held.token != token {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *MemoryStore) PushDeadLetter(ctx context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, job)
	return nil
}

// DeadLetters returns a copy of the dead-letter list.
func (s *MemoryStore) DeadLetters() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Job(nil), s.deadLetters...)
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.state[key]
	if !ok || v.expired(s.now()) {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), v.value...), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := memoryValue{value: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expiresAt = s.now().Add(ttl)
	}
	s.state[key] = v
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make(map[string][]byte)
	for k, v := range s.state {
		if strings.HasPrefix(k, prefix) && !v.expired(now) {
			out[k] = append([]byte(nil), v.value...)
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (v memoryValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && !now.Before(v.expiresAt)
}

// stampJob fills the identity fields a backend owns.
func stampJob(job models.Job, now time.Time) models.Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	return job
}

var _ domain.Store = (*MemoryStore)(nil)
