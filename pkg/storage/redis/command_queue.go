package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pipecheck/pkg/models"
)

const (
	StreamKeyCommands = "pipecheck:commands"
)

type CommandQueue struct {
	client *redis.Client
	block  time.Duration
	maxLen int64
}

// CommandQueueConfig holds Redis connection configuration
type CommandQueueConfig struct {
	Addr         string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
	// Block is how long Pop waits for a command.
	Block time.Duration
	// MaxLen caps the stream length, trimmed approximately on every push.
	MaxLen int64
}

// DefaultCommandQueueConfig returns defaults sized for a handful of long-running checks per node.
func DefaultCommandQueueConfig(addr string) CommandQueueConfig {
	return CommandQueueConfig{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		Block:        2 * time.Second,
		MaxLen:       10000,
	}
}

// NewCommandQueue initializes a new Redis client with default config.
func NewCommandQueue(addr string) (*CommandQueue, error) {
	return NewCommandQueueWithConfig(DefaultCommandQueueConfig(addr))
}

// NewCommandQueueWithConfig initializes a new Redis client with custom config.
func NewCommandQueueWithConfig(cfg CommandQueueConfig) (*CommandQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		// XREADGROUP blocks longer than a plain read.
		ReadTimeout:  cfg.ReadTimeout + cfg.Block,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CommandQueue{client: client, block: cfg.Block, maxLen: cfg.MaxLen}, nil
}

func (q *CommandQueue) Close() error {
	return q.client.Close()
}

// Push adds a command to the stream.
func (q *CommandQueue) Push(ctx context.Context, cmd *models.JobCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKeyCommands,
		MaxLen: q.maxLen,
		Approx: q.maxLen > 0,
		Values: map[string]interface{}{
			"payload": payload,
			"action":  string(cmd.Action),
			"job_id":  cmd.JobID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push command: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (q *CommandQueue) EnsureGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, StreamKeyCommands, group, "$").Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Pop reads one command for the consumer, blocking up to the configured duration.
func (q *CommandQueue) Pop(ctx context.Context, group string, consumer string) (string, *models.JobCommand, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{StreamKeyCommands, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return "", nil, nil
	}

	msg := streams[0].Messages[0]
	cmd, err := decodeCommand(msg.Values)
	if err != nil {
		return msg.ID, nil, err
	}
	return msg.ID, cmd, nil
}

// Ack acknowledges a command as processed.
func (q *CommandQueue) Ack(ctx context.Context, group string, msgID string) error {
	return q.client.XAck(ctx, StreamKeyCommands, group, msgID).Err()
}

func decodeCommand(values map[string]interface{}) (*models.JobCommand, error) {
	payload, ok := values["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid payload format")
	}
	var cmd models.JobCommand
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if cmd.Action != models.CommandStart && cmd.Action != models.CommandStop {
		return nil, fmt.Errorf("unknown command action %q", cmd.Action)
	}
	return &cmd, nil
}
