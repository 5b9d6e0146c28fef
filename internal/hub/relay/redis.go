// Package relay fans hub events out to other nodes over Redis pub/sub so
// screens attached to different nodes see the same widget and rotation
// events.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"dashwall/internal/hub"
	logx "dashwall/pkg/logx"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	NodeID   string
	Buffer   int
}

// Deliverer is the local side receiving remote events.
type Deliverer interface {
	Deliver(m hub.RelayMessage)
}

type Redis struct {
	client  *redis.Client
	channel string
	node    string
	log     logx.Logger
	warn    *logx.Throttle

	out chan hub.RelayMessage

	forwarded atomic.Uint64
	received  atomic.Uint64
	dropped   atomic.Uint64
}

func NewRedis(ctx context.Context, cfg Config, log logx.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("relay.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedis(client, cfg, log), nil
}

func newRedis(client *redis.Client, cfg Config, log logx.Logger) *Redis {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Channel == "" {
		cfg.Channel = "dashwall:events"
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	return &Redis{
		client:  client,
		channel: cfg.Channel,
		node:    cfg.NodeID,
		log:     log.With(logx.String("comp", "relay"), logx.String("node", cfg.NodeID)),
		warn:    logx.NewThrottle(5*time.Second, 8),
		out:     make(chan hub.RelayMessage, cfg.Buffer),
	}
}

func (r *Redis) Node() string { return r.node }

// Forward queues m for publishing. A full queue drops the message; remote
// screens resync on their next reconnect.
func (r *Redis) Forward(m hub.RelayMessage) {
	m.Node = r.node
	select {
	case r.out <- m:
	default:
		r.dropped.Add(1)
		r.warn.Warn(r.log, "full", "relay queue full; event not forwarded",
			logx.String("event", m.EventID),
			logx.Uint64("dropped", r.dropped.Load()),
		)
	}
}

// RunPublisher publishes queued messages until ctx ends.
func (r *Redis) RunPublisher(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-r.out:
			b, err := json.Marshal(m)
			if err != nil {
				r.log.Warn("relay encode failed", logx.Err(err))
				continue
			}
			if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.warn.Warn(r.log, "publish", "relay publish failed", logx.Err(err))
				continue
			}
			r.forwarded.Add(1)
		}
	}
}

// RunSubscriber delivers messages from other nodes to d until ctx ends.
func (r *Redis) RunSubscriber(ctx context.Context, d Deliverer) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info("relay subscribed", logx.String("channel", r.channel))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay subscription closed")
			}
			r.handle(msg.Payload, d)
		}
	}
}

func (r *Redis) handle(payload string, d Deliverer) {
	var m hub.RelayMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		r.warn.Warn(r.log, "decode", "undecodable relay message", logx.Err(err))
		return
	}
	if m.Node == r.node {
		return
	}
	r.received.Add(1)
	d.Deliver(m)
}

type Stats struct {
	Node      string `json:"node"`
	Forwarded uint64 `json:"forwarded"`
	Received  uint64 `json:"received"`
	Dropped   uint64 `json:"dropped"`
}

func (r *Redis) Stats() Stats {
	return Stats{Node: r.node, Forwarded: r.forwarded.Load(), Received: r.received.Load(), Dropped: r.dropped.Load()}
}

func (r *Redis) Close() error { return r.client.Close() }
