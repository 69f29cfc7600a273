// Package webhooks delivers fleet events to external HTTP endpoints through
// the task queue, signed with HMAC-SHA256 when the endpoint has a secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"fleetsync/internal/events"
	"fleetsync/internal/queue"
)

const (
	KindDeliver   = "deliver_webhook"
	QueueWebhooks = "webhooks"
)

type Endpoint struct {
	URL    string   `yaml:"url" validate:"required,url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"` // empty means every event type
}

func (e Endpoint) wants(typ string) bool {
	return len(e.Events) == 0 || slices.Contains(e.Events, typ)
}

// Publisher is a publish-only bus that queues one delivery per matching
// endpoint.
type Publisher struct {
	events.Discard
	Endpoints []Endpoint
	Queue     queue.Queue
	Log       *log.Entry
}

func NewPublisher(q queue.Queue, endpoints []Endpoint) *Publisher {
	return &Publisher{Endpoints: endpoints, Queue: q, Log: log.WithField("component", "webhooks")}
}

// Publish forwards each event once: vehicle events from their vehicle topic,
// fleet events from the fleet topic.
func (p *Publisher) Publish(topic string, evt events.Event) {
	if evt.VehicleID != "" && topic != events.VehicleTopic(evt.VehicleID) {
		return
	}
	if evt.VehicleID == "" && topic != events.TopicFleet {
		return
	}
	var body []byte
	for i, ep := range p.Endpoints {
		if !ep.wants(evt.Type) {
			continue
		}
		if body == nil {
			b, err := json.Marshal(evt)
			if err != nil {
				p.Log.WithError(err).Error("encode event")
				return
			}
			body = b
		}
		t := queue.Task{
			Kind:  KindDeliver,
			Queue: QueueWebhooks,
			Key:   fmt.Sprintf("wh-%s-%d", evt.ID, i),
			Args:  map[string]string{"url": ep.URL, "type": evt.Type, "payload": string(body)},
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := p.Queue.Enqueue(ctx, t); err != nil {
			p.Log.WithError(err).WithField("url", ep.URL).Warn("webhook enqueue failed")
		}
		cancel()
	}
}

// Deliverer posts queued payloads. A failed delivery returns an error so the
// worker retries it with backoff.
type Deliverer struct {
	Endpoints []Endpoint
	HTTP      *http.Client
}

func NewDeliverer(endpoints []Endpoint) *Deliverer {
	return &Deliverer{Endpoints: endpoints, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

// Register wires delivery into the worker and subscribes it to the webhook
// queue.
func (d *Deliverer) Register(w *queue.Worker) {
	if !slices.Contains(w.Queues, QueueWebhooks) {
		w.Queues = append(w.Queues, QueueWebhooks)
	}
	w.Handle(KindDeliver, d.Handle)
}

func (d *Deliverer) Handle(ctx context.Context, t queue.Task) error {
	url := t.Args["url"]
	payload := []byte(t.Args["payload"])
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", t.Args["type"])
	if secret := d.secretFor(url); secret != "" {
		req.Header.Set("X-Signature", SignHMAC(secret, payload))
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// secretFor looks the secret up at delivery time so it never sits in the
// queue.
func (d *Deliverer) secretFor(url string) string {
	for _, ep := range d.Endpoints {
		if ep.URL == url {
			return ep.Secret
		}
	}
	return ""
}

// SignHMAC returns lowercase hex of HMAC-SHA256 over body.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a hex signature produced by SignHMAC.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), b)
}
