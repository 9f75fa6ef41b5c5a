package prefcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestOpen_MissingFile(t *testing.T) {
	store := &FileStore{Path: filepath.Join(t.TempDir(), "nested", "openai_endpoint_cache.json")}
	c := Open(context.Background(), store)
	if _, ok := c.Get("gpt-4o"); ok {
		t.Error("Expected empty cache")
	}

	c.Set(context.Background(), "gpt-4o", "responses_max_output")
	if _, err := os.Stat(store.Path); err != nil {
		t.Fatalf("Expected cache file to be created: %v", err)
	}
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openai_endpoint_cache.json")
	if err := os.WriteFile(path, []byte(`{"gpt-4o": "chat",`), 0o644); err != nil {
		t.Fatal(err)
	}
	c := Open(context.Background(), &FileStore{Path: path})
	if len(c.Snapshot()) != 0 {
		t.Errorf("Expected truncated file to load as empty, got %v", c.Snapshot())
	}
}

func TestSet_PersistsAcrossOpen(t *testing.T) {
	path := FamilyFile(t.TempDir(), "openai")
	first := Open(context.Background(), &FileStore{Path: path})
	first.Set(context.Background(), "o1", "responses_max_completion")
	first.Set(context.Background(), "gpt-5", "responses_max_output")

	second := Open(context.Background(), &FileStore{Path: path})
	if shape, _ := second.Get("o1"); shape != "responses_max_completion" {
		t.Errorf("Expected responses_max_completion, got %q", shape)
	}
	if shape, _ := second.Get("gpt-5"); shape != "responses_max_output" {
		t.Errorf("Expected responses_max_output, got %q", shape)
	}
}

type failingStore struct {
	saves int
}

func (s *failingStore) Load(ctx context.Context) (map[string]string, error) {
	return nil, errors.New("disk on fire")
}

func (s *failingStore) Save(ctx context.Context, entries map[string]string) error {
	s.saves++
	return errors.New("read-only")
}

func TestSet_SaveFailureKeepsEntry(t *testing.T) {
	store := &failingStore{}
	c := Open(context.Background(), store)
	c.Set(context.Background(), "m", "chat_max_completion")
	c.Set(context.Background(), "m", "chat_max_completion")

	if shape, _ := c.Get("m"); shape != "chat_max_completion" {
		t.Errorf("Expected in-memory entry, got %q", shape)
	}
	if store.saves != 1 {
		t.Errorf("Expected one save attempt for an unchanged entry, got %d", store.saves)
	}
}

func TestCache_ConcurrentSet(t *testing.T) {
	c := Open(context.Background(), &FileStore{Path: FamilyFile(t.TempDir(), "openrouter")})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			model := "m" + string(rune('a'+i))
			c.Set(context.Background(), model, "chat_max_completion")
			c.Get(model)
		}(i)
	}
	wg.Wait()
	if len(c.Snapshot()) != 10 {
		t.Errorf("Expected 10 entries, got %d", len(c.Snapshot()))
	}
}

type mockHash struct {
	data map[string]map[string]string
	err  error
}

func (m *mockHash) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	return redis.NewMapStringStringResult(m.data[key], m.err)
}

func (m *mockHash) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	if m.err != nil {
		return redis.NewIntResult(0, m.err)
	}
	if m.data[key] == nil {
		m.data[key] = map[string]string{}
	}
	for i := 0; i+1 < len(values); i += 2 {
		m.data[key][values[i].(string)] = values[i+1].(string)
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	client := &mockHash{data: map[string]map[string]string{}}
	c := Open(context.Background(), NewRedisStore(client, "openai"))
	c.Set(context.Background(), "o3", "responses_max_output")

	if client.data["llm:endpoint_pref:openai"]["o3"] != "responses_max_output" {
		t.Errorf("Expected hash entry, got %v", client.data)
	}

	again := Open(context.Background(), NewRedisStore(client, "openai"))
	if shape, _ := again.Get("o3"); shape != "responses_max_output" {
		t.Errorf("Expected shared preference, got %q", shape)
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	c := Open(context.Background(), NewRedisStore(&mockHash{err: errors.New("connection refused")}, "openai"))
	if len(c.Snapshot()) != 0 {
		t.Error("Expected empty cache when redis is unavailable")
	}
}
