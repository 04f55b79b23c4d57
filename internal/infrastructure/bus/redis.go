// Package bus publishes exit decisions and entry signals to Redis so that
// downstream executors and dashboards can follow the engine.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
)

const (
	DefaultExitChannel   = "pcs:exit"
	DefaultSignalChannel = "pcs:signal"

	// streamMaxLen is the approximate length kept in the decision stream.
	streamMaxLen int64 = 10000
)

type ClientConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// Client wraps a go-redis client.
type Client struct {
	rdb *redis.Client
}

// New connects and pings Redis.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

type PublisherConfig struct {
	ExitChannel   string `yaml:"exit_channel"`
	SignalChannel string `yaml:"signal_channel"`
	// Stream, when set, also appends every message to a capped stream.
	Stream string `yaml:"stream"`
}

// DecisionPublisher implements domain.DecisionSink on Redis Pub/Sub.
type DecisionPublisher struct {
	rdb redis.UniversalClient
	cfg PublisherConfig
}

func NewDecisionPublisher(c *Client, cfg PublisherConfig) *DecisionPublisher {
	return newDecisionPublisher(c.rdb, cfg)
}

func newDecisionPublisher(rdb redis.UniversalClient, cfg PublisherConfig) *DecisionPublisher {
	if cfg.ExitChannel == "" {
		cfg.ExitChannel = DefaultExitChannel
	}
	if cfg.SignalChannel == "" {
		cfg.SignalChannel = DefaultSignalChannel
	}
	return &DecisionPublisher{rdb: rdb, cfg: cfg}
}

// Channels returns the exit and signal channel names.
func (p *DecisionPublisher) Channels() (exit, signal string) {
	return p.cfg.ExitChannel, p.cfg.SignalChannel
}

// Envelope is the wire format of every published message.
type Envelope struct {
	Kind   string               `json:"kind"`
	Exit   *domain.ExitDecision `json:"exit,omitempty"`
	Signal *domain.Signal       `json:"signal,omitempty"`
}

func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(payload, &env)
	return env, err
}

func (p *DecisionPublisher) publish(ctx context.Context, channel string, env Envelope) error {
	payload, err := Encode(env)
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", env.Kind, err)
	}
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	if p.cfg.Stream == "" {
		return nil
	}
	args := &redis.XAddArgs{
		Stream: p.cfg.Stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":    env.Kind,
			"payload": payload,
		},
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", p.cfg.Stream, err)
	}
	return nil
}

func (p *DecisionPublisher) PublishExit(ctx context.Context, d *domain.ExitDecision) error {
	return p.publish(ctx, p.cfg.ExitChannel, Envelope{Kind: "exit", Exit: d})
}

func (p *DecisionPublisher) PublishSignal(ctx context.Context, s *domain.Signal) error {
	return p.publish(ctx, p.cfg.SignalChannel, Envelope{Kind: "signal", Signal: s})
}

// Subscribe streams decoded envelopes from channel until ctx is cancelled.
func (p *DecisionPublisher) Subscribe(ctx context.Context, channel string) (<-chan Envelope, error) {
	pubsub := p.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan Envelope, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := Decode([]byte(msg.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ domain.DecisionSink = (*DecisionPublisher)(nil)
