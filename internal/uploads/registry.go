// Package uploads tracks presigned uploads between the moment a write URL is
// issued and the moment the ingest worker picks up the stored object.
package uploads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("pending upload not found or expired")

// Pending is everything the ingest worker needs to attribute an object.
type Pending struct {
	UploadID       string    `json:"upload_id"`
	ObjectKey      string    `json:"object_key"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name,omitempty"`
	OrganizationID string    `json:"organization_id"`
	ProjectID      string    `json:"project_id"`
	FileName       string    `json:"file_name"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RedisRegistry stores pending uploads keyed by object key, with a TTL.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

func NewRedisRegistry(redisURL string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRegistryWithClient(client), nil
}

func NewRedisRegistryWithClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: "upload:pending:"}
}

func (r *RedisRegistry) key(objectKey string) string {
	return r.prefix + objectKey
}

// Register records p until ttl elapses. A non-positive ttl means one hour.
func (r *RedisRegistry) Register(ctx context.Context, p Pending, ttl time.Duration) error {
	if p.ObjectKey == "" {
		return fmt.Errorf("register pending upload: object key is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending upload: %w", err)
	}
	if err := r.client.Set(ctx, r.key(p.ObjectKey), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save pending upload: %w", err)
	}
	return nil
}

// Claim returns and deletes the pending record in one step, so a duplicated
// storage notification is processed at most once.
func (r *RedisRegistry) Claim(ctx context.Context, objectKey string) (Pending, error) {
	raw, err := r.client.GetDel(ctx, r.key(objectKey)).Result()
	if errors.Is(err, redis.Nil) {
		return Pending{}, ErrNotFound
	}
	if err != nil {
		return Pending{}, fmt.Errorf("claim pending upload: %w", err)
	}
	var p Pending
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Pending{}, fmt.Errorf("unmarshal pending upload: %w", err)
	}
	return p, nil
}

// Peek reads a pending record without claiming it.
func (r *RedisRegistry) Peek(ctx context.Context, objectKey string) (Pending, error) {
	raw, err := r.client.Get(ctx, r.key(objectKey)).Result()
	if errors.Is(err, redis.Nil) {
		return Pending{}, ErrNotFound
	}
	if err != nil {
		return Pending{}, fmt.Errorf("read pending upload: %w", err)
	}
	var p Pending
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Pending{}, fmt.Errorf("unmarshal pending upload: %w", err)
	}
	return p, nil
}

func (r *RedisRegistry) Client() *redis.Client {
	return r.client
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
