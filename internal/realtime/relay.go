package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"taskboard/api/internal/protocol"
)

const relayQueueSize = 1024

// RedisRelay carries board envelopes between API processes over one Redis
// Pub/Sub channel. A single publisher goroutine keeps this process's
// envelopes in commit order; Redis keeps the channel in order for every
// subscriber.
type RedisRelay struct {
	client  *redis.Client
	channel string
	queue   chan protocol.Envelope
	logger  *log.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisRelay connects to redisURL and checks the connection.
func NewRedisRelay(redisURL, channel string, logger *log.Logger) (*RedisRelay, error) {
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
	return NewRedisRelayWithClient(client, channel, logger), nil
}

func NewRedisRelayWithClient(client *redis.Client, channel string, logger *log.Logger) *RedisRelay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		queue:   make(chan protocol.Envelope, relayQueueSize),
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Publish queues env for the publisher goroutine. A full queue drops the
// envelope.
func (r *RedisRelay) Publish(env protocol.Envelope) {
	select {
	case r.queue <- env:
	default:
		r.logger.WithFields(log.Fields{"board_id": env.BoardID, "event": env.Type}).Warn("relay queue full, dropping board event")
	}
}

// Ready is closed once the first subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run publishes queued envelopes and hands every envelope received on the
// channel to deliver, until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, deliver func(protocol.Envelope)) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.publishLoop(ctx) })
	g.Go(func() error { return r.subscribeLoop(ctx, deliver) })
	return g.Wait()
}

func (r *RedisRelay) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-r.queue:
			raw, err := json.Marshal(env)
			if err != nil {
				r.logger.WithError(err).WithField("event", env.Type).Warn("encode relay envelope")
				continue
			}
			if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).WithFields(log.Fields{"board_id": env.BoardID, "event": env.Type}).Warn("publish board event")
			}
		}
	}
}

func (r *RedisRelay) subscribeLoop(ctx context.Context, deliver func(protocol.Envelope)) error {
	for {
		sub := r.client.Subscribe(ctx, r.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return nil
			}
			r.logger.WithError(err).Warn("subscribe to relay channel, retrying")
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		r.readyOnce.Do(func() { close(r.ready) })

		r.consume(ctx, sub.Channel(), deliver)
		_ = sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("relay channel closed, resubscribing")
		if !sleepCtx(ctx, time.Second) {
			return nil
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context, ch <-chan *redis.Message, deliver func(protocol.Envelope)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.WithError(err).Warn("decode relay envelope")
				continue
			}
			deliver(env)
		}
	}
}

func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
