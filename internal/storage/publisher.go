package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// PublisherOptions configure the Redis connection.
type PublisherOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Channel  string
	// ListSize bounds the per-device history list.
	ListSize int64
}

// Publisher sends records to a Redis Pub/Sub channel and keeps the most
// recent ones in a list per device.
type Publisher struct {
	client  *redis.Client
	channel string
	size    int64
	runID   string
	log     *logrus.Logger
}

func NewPublisher(opts PublisherOptions, log *logrus.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	size := opts.ListSize
	if size <= 0 {
		size = 1000
	}
	p := &Publisher{
		client:  client,
		channel: opts.Channel,
		size:    size,
		runID:   uuid.New().String(),
		log:     log,
	}
	log.WithField("run_id", p.runID).Info("redis connected")
	return p, nil
}

// RunID identifies this logging run in every record.
func (p *Publisher) RunID() string {
	return p.runID
}

func listKey(device string) string {
	return fmt.Sprintf("pmd:%s:samples", device)
}

// Publish sends one record and appends it to the device history.
func (p *Publisher) Publish(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}

	key := listKey(rec.Device)
	if err := p.client.LPush(ctx, key, data).Err(); err != nil {
		p.log.Warnf("append to %s: %v", key, err)
		return nil
	}
	p.client.LTrim(ctx, key, 0, p.size-1)
	return nil
}

// PublishBatch sends records in one pipeline.
func (p *Publisher) PublishBatch(ctx context.Context, recs []*Record) error {
	pipe := p.client.Pipeline()
	keys := make(map[string]struct{})

	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			p.log.Errorf("marshal record %d: %v", rec.Seq, err)
			continue
		}
		key := listKey(rec.Device)
		pipe.Publish(ctx, p.channel, data)
		pipe.LPush(ctx, key, data)
		keys[key] = struct{}{}
	}
	for key := range keys {
		pipe.LTrim(ctx, key, 0, p.size-1)
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (p *Publisher) Close() error {
	return p.client.Close()
}

// GetStats reports server and connection pool statistics. The server part
// is empty when INFO fails.
func (p *Publisher) GetStats(ctx context.Context) map[string]interface{} {
	info := p.client.Info(ctx, "stats").Val()

	return map[string]interface{}{
		"run_id":     p.runID,
		"info":       info,
		"pool_stats": p.client.PoolStats(),
	}
}
