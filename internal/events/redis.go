package events

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Redis implements Bus over Redis Pub/Sub so that every instance sees every
// event.
type Redis struct {
	rdb    *redis.Client
	prefix string
	mu     sync.Mutex
	subs   map[chan Event]*redis.PubSub
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "fleetsync:"
	}
	return &Redis{rdb: rdb, prefix: prefix, subs: map[chan Event]*redis.PubSub{}}
}

func (b *Redis) channel(topic string) string { return b.prefix + "events:" + topic }

func (b *Redis) Subscribe(topic string) chan Event {
	ch := make(chan Event, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.channel(topic))
	// wait for the subscription confirmation
	if _, err := ps.Receive(ctx); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("redis subscribe failed")
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	msgs := ps.Channel()
	go func() {
		defer close(ch)
		for msg := range msgs {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the Pub/Sub connection; the reader goroutine then closes ch.
func (b *Redis) Unsubscribe(_ string, ch chan Event) {
	b.mu.Lock()
	ps := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *Redis) Publish(topic string, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		log.WithError(err).WithField("topic", topic).Debug("redis publish failed")
	}
}
