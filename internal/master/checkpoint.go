package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"yqhp/taskfarm/pkg/types"
)

// Checkpointer persists successful results of named tasks so that a
// restarted master can skip work it already finished.
type Checkpointer interface {
	Save(ctx context.Context, name string, result types.Result) error
	Load(ctx context.Context, name string) (*types.Result, bool, error)
	Close() error
}

// FileCheckpointer keeps one JSON document per task name in a directory.
type FileCheckpointer struct {
	dir string
	mu  sync.Mutex
}

// NewFileCheckpointer creates the directory if needed.
func NewFileCheckpointer(dir string) (*FileCheckpointer, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileCheckpointer{dir: dir}, nil
}

func (c *FileCheckpointer) path(name string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%016x.json", xxhash.Sum64String(name)))
}

// Save writes the result atomically.
func (c *FileCheckpointer) Save(ctx context.Context, name string, result types.Result) error {
	data, err := sonic.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.path(name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", name, err)
	}
	return os.Rename(tmp, target)
}

// Load reads the result recorded under name.
func (c *FileCheckpointer) Load(ctx context.Context, name string) (*types.Result, bool, error) {
	c.mu.Lock()
	data, err := os.ReadFile(c.path(name))
	c.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read checkpoint %s: %w", name, err)
	}

	var r types.Result
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	if r.Name != name {
		// hash collision with another name
		return nil, false, nil
	}
	return &r, true, nil
}

// Close is a no-op.
func (c *FileCheckpointer) Close() error { return nil }

// RedisCheckpointer keeps results as fields of one Redis hash.
type RedisCheckpointer struct {
	client *redis.Client
	key    string
}

// NewRedisCheckpointer wraps an existing client.
func NewRedisCheckpointer(client *redis.Client, key string) *RedisCheckpointer {
	if key == "" {
		key = "taskfarm:checkpoints"
	}
	return &RedisCheckpointer{client: client, key: key}
}

// Save stores the result under its name.
func (c *RedisCheckpointer) Save(ctx context.Context, name string, result types.Result) error {
	data, err := sonic.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", name, err)
	}
	if err := c.client.HSet(ctx, c.key, name, data).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return nil
}

// Load fetches the result recorded under name.
func (c *RedisCheckpointer) Load(ctx context.Context, name string) (*types.Result, bool, error) {
	data, err := c.client.HGet(ctx, c.key, name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load checkpoint %s: %w", name, err)
	}

	var r types.Result
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	return &r, true, nil
}

// Close closes the Redis client.
func (c *RedisCheckpointer) Close() error {
	return c.client.Close()
}
