package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/pkg/logger"
)

// Client caches oracle verdicts and embeddings keyed by content hash, so
// re-scoring an artifact the oracle has already seen is free and
// deterministic.
type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// SetVerdict caches a cue verdict plus rationale for an (artifact, attribute)
// pair.
func (c *Client) SetVerdict(ctx context.Context, key string, verdict, rationale string, ttl time.Duration) error {
	payload, err := json.Marshal(map[string]string{
		"verdict":   verdict,
		"rationale": rationale,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}

	if err := c.client.Set(ctx, "verdict:"+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set verdict cache: %w", err)
	}

	logger.Debug("Verdict cached", zap.String("key", key))
	return nil
}

func (c *Client) GetVerdict(ctx context.Context, key string) (verdict, rationale string, ok bool, err error) {
	data, err := c.client.Get(ctx, "verdict:"+key).Bytes()
	if err == redis.Nil {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("failed to get verdict cache: %w", err)
	}

	var entry map[string]string
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", "", false, fmt.Errorf("failed to unmarshal verdict: %w", err)
	}

	logger.Debug("Verdict cache hit", zap.String("key", key))
	return entry["verdict"], entry["rationale"], true, nil
}

func (c *Client) SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	if err := c.client.Set(ctx, "embedding:"+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	logger.Debug("Embedding cached", zap.String("key", key))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, "embedding:"+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	logger.Debug("Embedding cache hit", zap.String("key", key))
	return embedding, true, nil
}
