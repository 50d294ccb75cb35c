package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/skillbox/pkg/skill"
	"github.com/redis/go-redis/v9"
)

// RecordSet is the complete persisted registry content.
type RecordSet struct {
	Skills []skill.Identity `json:"skills"`
}

// Store loads and rewrites the whole record set. Implementations do not need
// to be safe for concurrent use; Registry serialises access.
type Store interface {
	Load(ctx context.Context) (*RecordSet, error)
	Save(ctx context.Context, set *RecordSet) error
}

// FileStore keeps the record set in a single JSON file.
type FileStore struct {
	path string
}

// NewFileStore opens the JSON store at path, writing an empty record set
// (and any missing parent directories) if the file does not exist yet.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}

	if _, err := os.Stat(path); err == nil {
		return s, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat store %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if err := s.Save(context.Background(), &RecordSet{Skills: []skill.Identity{}}); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the location of the JSON file.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the record set from disk.
func (s *FileStore) Load(_ context.Context) (*RecordSet, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read store: %w", err)
	}
	return decodeRecordSet(data)
}

// Save replaces the file content. The new content is written to a temporary
// file in the same directory and renamed over the old one.
func (s *FileStore) Save(_ context.Context, set *RecordSet) error {
	data, err := encodeRecordSet(set)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".store-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temporary store file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace store: %w", err)
	}
	return nil
}

// DefaultRedisKey is the key holding the record set in Redis.
const DefaultRedisKey = "skillbox:registry"

// RedisStore keeps the record set as one JSON value under a single key.
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore creates a Redis-backed store. An empty key uses DefaultRedisKey.
func NewRedisStore(rdb *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{rdb: rdb, key: key}
}

// Load reads the record set; a missing key is an empty set.
func (s *RedisStore) Load(ctx context.Context) (*RecordSet, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return &RecordSet{Skills: []skill.Identity{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry from Redis: %w", err)
	}
	return decodeRecordSet(data)
}

// Save overwrites the key with the encoded record set.
func (s *RedisStore) Save(ctx context.Context, set *RecordSet) error {
	data, err := encodeRecordSet(set)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write registry to Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func decodeRecordSet(data []byte) (*RecordSet, error) {
	var set RecordSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	if set.Skills == nil {
		set.Skills = []skill.Identity{}
	}
	return &set, nil
}

func encodeRecordSet(set *RecordSet) ([]byte, error) {
	if set.Skills == nil {
		set = &RecordSet{Skills: []skill.Identity{}}
	}
	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize registry: %w", err)
	}
	return data, nil
}
