package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel carries reaction role change notifications.
const DefaultChannel = "vivibot:reaction_roles:changed"

// Notifier announces configuration changes to every process sharing the same store.
// Each message carries the publishing process id so a process ignores its own changes.
type Notifier struct {
	client     *redis.Client
	channel    string
	versionKey string
	origin     string
}

// NewNotifier builds a notifier on channel. An empty channel selects DefaultChannel.
func NewNotifier(client *redis.Client, channel string) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Notifier{
		client:     client,
		channel:    channel,
		versionKey: channel + ":version",
		origin:     uuid.NewString(),
	}
}

// Version returns the current change counter, zero when nothing was published yet.
func (n *Notifier) Version(ctx context.Context) (int64, error) {
	if n == nil || n.client == nil {
		return 0, nil
	}
	ver, err := n.client.Get(ctx, n.versionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("platform/cache: version: %w", err)
	}
	return ver, nil
}

// Publish increments the change counter and broadcasts it.
func (n *Notifier) Publish(ctx context.Context) (int64, error) {
	if n == nil || n.client == nil {
		return 0, nil
	}
	ver, err := n.client.Incr(ctx, n.versionKey).Result()
	if err != nil {
		return 0, fmt.Errorf("platform/cache: bump version: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, n.origin+":"+strconv.FormatInt(ver, 10)).Err(); err != nil {
		return 0, fmt.Errorf("platform/cache: publish: %w", err)
	}
	return ver, nil
}

// Listen subscribes to the channel and calls fn for every change published by another
// process until ctx is done. It returns once the subscription is confirmed.
func (n *Notifier) Listen(ctx context.Context, fn func(ctx context.Context, version int64)) error {
	if n == nil || n.client == nil {
		return nil
	}
	if fn == nil {
		return errors.New("platform/cache: listen: nil callback")
	}
	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("platform/cache: subscribe: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				origin, ver, ok := parseMessage(msg.Payload)
				if !ok || origin == n.origin {
					continue
				}
				fn(ctx, ver)
			}
		}
	}()
	return nil
}

func parseMessage(payload string) (string, int64, bool) {
	origin, raw, found := strings.Cut(payload, ":")
	if !found || origin == "" {
		return "", 0, false
	}
	ver, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return origin, ver, true
}
