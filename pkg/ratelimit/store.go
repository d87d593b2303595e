package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	domain "github.com/loanpilot/formgate/pkg/domain/errors"
	"github.com/loanpilot/formgate/pkg/infra/cache"
)

// recordRetention bounds how long an idle record survives in Redis. It must
// outlast the longest possible block (8x the base duration).
const recordRetention = 24 * time.Hour

//go:generate mockery --name=RecordStore --dir=. --output=../../mocks --filename=record_store_mock.go --case=underscore --with-expecter

// RecordStore persists rate-limit records. Load returns a zero record (not
// an error) for unknown keys; corruption is reported as a *domain.StorageError
// so the limiter can fail open and log.
type RecordStore interface {
	Load(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record *Record) error
}

// FileStore keeps all records in one JSON file, mirroring the durable
// per-origin storage of the original design. Suitable for the single-process
// sidecar deployment.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Load(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return &Record{}, &domain.StorageError{Key: key, Err: err}
	}
	if record, ok := records[key]; ok {
		return &record, nil
	}
	return &Record{}, nil
}

func (s *FileStore) Save(_ context.Context, key string, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		// Corrupt file: start over rather than refusing to persist.
		records = make(map[string]Record)
	}
	records[key] = *record

	data, err := json.Marshal(records)
	if err != nil {
		return &domain.StorageError{Key: key, Err: err}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return &domain.StorageError{Key: key, Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &domain.StorageError{Key: key, Err: err}
	}
	return nil
}

func (s *FileStore) readAll() (map[string]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]Record), nil
	}
	if err != nil {
		return nil, err
	}
	records := make(map[string]Record)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// RedisStore persists records in Redis for deployments where several kit
// instances sit behind one load balancer and must share counters.
type RedisStore struct {
	cache *cache.Cache
}

func NewRedisStore(c *cache.Cache) *RedisStore {
	return &RedisStore{cache: c}
}

func redisKey(key string) string {
	return "ratelimit:" + key
}

func (s *RedisStore) Load(ctx context.Context, key string) (*Record, error) {
	data, err := s.cache.Client().Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Record{}, nil
	}
	if err != nil {
		return &Record{}, &domain.StorageError{Key: key, Err: err}
	}

	record := new(Record)
	if err := json.Unmarshal(data, record); err != nil {
		return &Record{}, &domain.StorageError{Key: key, Err: err}
	}
	return record, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return &domain.StorageError{Key: key, Err: err}
	}
	if err := s.cache.Client().Set(ctx, redisKey(key), data, recordRetention).Err(); err != nil {
		return &domain.StorageError{Key: key, Err: err}
	}
	return nil
}
