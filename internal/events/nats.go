package events

import (
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// NATS publishes events as JSON on <prefix>.<topic>, with ':' in topics
// mapped to '.'.
type NATS struct {
	nc     *nats.Conn
	prefix string
	mu     sync.Mutex
	subs   map[chan Event]*nats.Subscription
}

// ConnectNATS dials with reconnects; the first connect may also be retried in
// the background.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("fleetsync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
}

func NewNATS(nc *nats.Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = "fleetsync"
	}
	return &NATS{nc: nc, prefix: prefix, subs: map[chan Event]*nats.Subscription{}}
}

func (b *NATS) Subject(topic string) string {
	return b.prefix + "." + strings.ReplaceAll(topic, ":", ".")
}

func (b *NATS) Subscribe(topic string) chan Event {
	ch := make(chan Event, 16)
	sub, err := b.nc.Subscribe(b.Subject(topic), func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; !ok {
			return
		}
		select {
		case ch <- evt:
		default:
		}
	})
	if err != nil {
		log.WithError(err).WithField("topic", topic).Warn("nats subscribe failed")
		return ch
	}
	b.mu.Lock()
	b.subs[ch] = sub
	b.mu.Unlock()
	return ch
}

func (b *NATS) Unsubscribe(_ string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	_ = sub.Unsubscribe()
	close(ch)
}

func (b *NATS) Publish(topic string, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.nc.Publish(b.Subject(topic), data); err != nil {
		log.WithError(err).WithField("topic", topic).Debug("nats publish failed")
	}
}
