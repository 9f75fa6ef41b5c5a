package prefcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// FileStore keeps the mapping as a JSON object in a single file.
type FileStore struct {
	Path string
}

// FamilyFile returns the cache file used for a backend family under dir,
// e.g. "./logs/llm/openai_endpoint_cache.json".
func FamilyFile(dir, family string) string {
	return filepath.Join(dir, family+"_endpoint_cache.json")
}

func (s *FileStore) Load(ctx context.Context) (map[string]string, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	entries := map[string]string{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.Path, err)
	}
	return entries, nil
}

// Save writes to a temporary file and renames it over the target so readers
// never observe a truncated cache.
func (s *FileStore) Save(ctx context.Context, entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace cache: %w", err)
	}
	return nil
}

// HashClient is the subset of the Redis client RedisStore uses.
type HashClient interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisStore shares preferences between processes through one Redis hash per
// backend family.
type RedisStore struct {
	client HashClient
	key    string
}

func NewRedisStore(client HashClient, family string) *RedisStore {
	return &RedisStore{client: client, key: fmt.Sprintf("llm:endpoint_pref:%s", family)}
}

func (s *RedisStore) Load(ctx context.Context) (map[string]string, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", s.key, err)
	}
	return entries, nil
}

func (s *RedisStore) Save(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(entries)*2)
	for model, shape := range entries {
		values = append(values, model, shape)
	}
	if err := s.client.HSet(ctx, s.key, values...).Err(); err != nil {
		return fmt.Errorf("failed to save %s: %w", s.key, err)
	}
	return nil
}
