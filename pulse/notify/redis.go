package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse"
)

const (
	// DefaultChannelPrefix namespaces job channels: loom:job:<job id>
	DefaultChannelPrefix = "loom:job:"

	// redisQueueSize bounds events waiting to be published
	redisQueueSize = 256

	publishTimeout = 2 * time.Second
)

// envelope tags each event with the publishing instance so relays can skip
// their own events.
type envelope struct {
	Origin string      `json:"origin"`
	Event  pulse.Event `json:"event"`
}

// Redis publishes events to per-job Redis channels so observers attached to
// any instance see them. Publish only enqueues; Run does the network I/O.
type Redis struct {
	client  *redis.Client
	prefix  string
	origin  string
	queue   chan pulse.Event
	dropped atomic.Int64
	logger  *zap.SugaredLogger
}

var _ pulse.Notifier = (*Redis)(nil)

// NewRedis wraps a client. An empty prefix uses DefaultChannelPrefix.
func NewRedis(client *redis.Client, prefix string, logger *zap.SugaredLogger) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Redis{
		client: client,
		prefix: prefix,
		origin: uuid.NewString(),
		queue:  make(chan pulse.Event, redisQueueSize),
		logger: logger.Named("notify.redis"),
	}
}

// NewRedisFromURL parses a redis:// URL and verifies the connection.
func NewRedisFromURL(ctx context.Context, url, prefix string, logger *zap.SugaredLogger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.WithHint(errors.Wrap(err, "failed to reach redis"),
			"check redis.url in am.toml or unset it to run single-instance")
	}
	return NewRedis(client, prefix, logger), nil
}

// Channel returns the channel name for a job.
func (r *Redis) Channel(jobID string) string {
	return r.prefix + jobID
}

// Publish enqueues event for Run; a full queue drops it.
func (r *Redis) Publish(event pulse.Event) {
	select {
	case r.queue <- event:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warnw("Redis publish queue full, dropping events", "job_id", event.JobID, "dropped", r.dropped.Load())
		}
	}
}

// Run publishes queued events until ctx is cancelled.
func (r *Redis) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.queue:
			if err := r.publish(ctx, ev); err != nil && ctx.Err() == nil {
				r.logger.Warnw("Failed to publish event", "job_id", ev.JobID, "error", err)
			}
		}
	}
}

func (r *Redis) publish(ctx context.Context, ev pulse.Event) error {
	data, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(pubCtx, r.Channel(ev.JobID), data).Err()
}

// Relay forwards events published by other instances to target until ctx
// is cancelled.
func (r *Redis) Relay(ctx context.Context, target pulse.Notifier) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "failed to subscribe to job channels")
	}
	r.logger.Infow("Relaying job events from redis", "pattern", r.prefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Debugw("Ignoring malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			if env.Event.JobID == "" {
				env.Event.JobID = strings.TrimPrefix(msg.Channel, r.prefix)
			}
			target.Publish(env.Event)
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Redis) Dropped() int64 {
	return r.dropped.Load()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
