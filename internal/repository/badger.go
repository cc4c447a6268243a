package repository

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"syncbridge/internal/domain"
	"syncbridge/internal/models"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Badger expires entries at second granularity; expiry is decided on ExpiresAt and
// the entry TTL only reclaims space.
const badgerTTLSlack = time.Second

// BadgerStore is an embedded, single-process durable backend. Values are msgpack encoded.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	prefix string
	now    func() time.Time
}

type badgerLock struct {
	Token     string `msgpack:"t"`
	ExpiresAt int64  `msgpack:"e"`
}

type badgerValue struct {
	Value     []byte `msgpack:"v"`
	ExpiresAt int64  `msgpack:"e"`
}

// NewBadgerStore opens a badger database at path; an empty path runs in memory.
func NewBadgerStore(path, prefix string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(prefix+"/seq"), 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open queue sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq, prefix: prefix, now: time.Now}, nil
}

func (s *BadgerStore) key(parts ...string) []byte {
	return []byte(s.prefix + "/" + strings.Join(parts, "/"))
}

func (s *BadgerStore) queueKey(seq uint64) []byte {
	k := s.key("queue", "")
	return binary.BigEndian.AppendUint64(k, seq)
}

func (s *BadgerStore) Enqueue(ctx context.Context, jobs []models.Job) (models.EnqueueResult, error) {
	var res models.EnqueueResult

	// Sequence leases write through their own transaction, so allocate before ours.
	seqs := make([]uint64, len(jobs))
	for i := range jobs {
		n, err := s.seq.Next()
		if err != nil {
			return res, fmt.Errorf("failed to allocate queue sequence: %w", err)
		}
		seqs[i] = n
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		res = models.EnqueueResult{}
		for i, job := range jobs {
			if job.DedupKey == "" {
				res.Skipped++
				continue
			}
			markerKey := s.key("queuekey", job.DedupKey)
			if _, err := txn.Get(markerKey); err == nil {
				res.Deduped++
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			payload, err := msgpack.Marshal(stampJob(job, s.now()))
			if err != nil {
				return fmt.Errorf("failed to marshal job: %w", err)
			}
			qk := s.queueKey(seqs[i])
			if err := txn.Set(qk, payload); err != nil {
				return err
			}
			if err := txn.Set(markerKey, qk); err != nil {
				return err
			}
			res.Enqueued++
		}
		return nil
	})
	if err != nil {
		return models.EnqueueResult{}, fmt.Errorf("failed to enqueue jobs: %w", err)
	}
	return res, nil
}

func (s *BadgerStore) Drain(ctx context.Context, max int) ([]models.Job, error) {
	if max <= 0 {
		return nil, nil
	}

	var jobs []models.Job
	err := s.db.Update(func(txn *badger.Txn) error {
		jobs = nil
		var keys [][]byte

		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.key("queue", "")
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid() && len(jobs) < max; it.Next() {
			item := it.Item()
			payload, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			var job models.Job
			if err := msgpack.Unmarshal(payload, &job); err != nil {
				it.Close()
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}
			jobs = append(jobs, job)
			keys = append(keys, item.KeyCopy(nil))
		}
		it.Close()

		for i, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
			if err := txn.Delete(s.key("queuekey", jobs[i].DedupKey)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue: %w", err)
	}
	return jobs, nil
}

func (s *BadgerStore) Depth(ctx context.Context) (int, error) {
	depth := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = s.key("queue", "")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			depth++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

func (s *BadgerStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	now := s.now()
	token := uuid.NewString()
	lockKey := s.key("lock", key)

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey)
		switch {
		case err == nil:
			var held badgerLock
			if err := item.Value(func(v []byte) error { return msgpack.Unmarshal(v, &held) }); err != nil {
				return err
			}
			if now.UnixMilli() < held.ExpiresAt {
				token = ""
				return nil
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		payload, err := msgpack.Marshal(badgerLock{Token: token, ExpiresAt: now.Add(ttl).UnixMilli()})
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(lockKey, payload).WithTTL(ttl+badgerTTLSlack))
	})
	if errors.Is(err, badger.ErrConflict) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}
	return token, nil
}

func (s *BadgerStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	released := false
	lockKey := s.key("lock", key)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var held badgerLock
		if err := item.Value(func(v []byte) error { return msgpack.Unmarshal(v, &held) }); err != nil {
			return err
		}
		if held.Token != token {
			return nil
		}
		released = true
		return txn.Delete(lockKey)
	})
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	return released, nil
}

func (s *BadgerStore) PushDeadLetter(ctx context.Context, job models.Job) error {
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate dead letter sequence: %w", err)
	}
	payload, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	k := binary.BigEndian.AppendUint64(s.key("deadletter", ""), n)
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.Set(k, payload) }); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key("state", key))
		if err != nil {
			return err
		}
		var v badgerValue
		if err := item.Value(func(b []byte) error { return msgpack.Unmarshal(b, &v) }); err != nil {
			return err
		}
		if v.ExpiresAt > 0 && v.ExpiresAt <= s.now().UnixMilli() {
			return badger.ErrKeyNotFound
		}
		out = v.Value
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	v := badgerValue{Value: value}
	if ttl > 0 {
		v.ExpiresAt = s.now().Add(ttl).UnixMilli()
	}
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(s.key("state", key), payload)
		if ttl > 0 {
			e = e.WithTTL(ttl + badgerTTLSlack)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	return nil
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.Delete(s.key("state", key)) }); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

func (s *BadgerStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	base := string(s.key("state", ""))
	now := s.now().UnixMilli()
	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(base + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var v badgerValue
			if err := item.Value(func(b []byte) error { return msgpack.Unmarshal(b, &v) }); err != nil {
				return err
			}
			if v.ExpiresAt > 0 && v.ExpiresAt <= now {
				continue
			}
			out[strings.TrimPrefix(string(item.Key()), base)] = v.Value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if s.seq != nil {
		_ = s.seq.Release()
	}
	return s.db.Close()
}

var _ domain.Store = (*BadgerStore)(nil)
