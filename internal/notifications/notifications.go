// Package notifications implements the notification fan-out:
// buffered per-(organizationId, topic) batches published back out over
// MQTT, with an immediate path for high-priority state changes.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/samirobaid01/aemos-core/pkg/logger"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification is one outbound fan-out item: a state-change or
// data-stream event destined for subscribers of topic within org.
type Notification struct {
	OrganizationID string
	Topic          string
	Payload        map[string]interface{}
	Priority       Priority
	CreatedAt      time.Time
}

// Publisher is satisfied by protocol.MQTTAdapter (and any future
// outbound transport); the fan-out never imports protocol directly so
// it stays agnostic to which wire the notification rides.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

type bucket struct {
	mu    sync.Mutex
	items []Notification
}

// FanOut batches notifications per (organizationId, topic) and
// flushes on a timer or when a bucket reaches its max size.
// High-priority notifications bypass batching entirely.
type FanOut struct {
	pub           Publisher
	log           *logger.Logger
	bufferSize    int
	flushInterval time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewFanOut(pub Publisher, log *logger.Logger, bufferSize int, flushInterval time.Duration) *FanOut {
	return &FanOut{
		pub:           pub,
		log:           log,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buckets:       map[string]*bucket{},
	}
}

// Run drives the periodic flush; it returns when ctx is cancelled,
// after a final flush of every non-empty bucket.
func (f *FanOut) Run(ctx context.Context) {
	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.flushAll(context.Background())
			return
		case <-ticker.C:
			f.flushAll(ctx)
		}
	}
}

// Enqueue adds n to its (org, topic) bucket. High priority publishes
// immediately and is never buffered; a bucket that reaches bufferSize
// flushes inline rather than waiting for the next tick.
func (f *FanOut) Enqueue(ctx context.Context, n Notification) error {
	if n.Priority == PriorityHigh {
		return f.publishOne(ctx, n)
	}

	key := bucketKey(n.OrganizationID, n.Topic)
	f.mu.Lock()
	b, ok := f.buckets[key]
	if !ok {
		b = &bucket{}
		f.buckets[key] = b
	}
	f.mu.Unlock()

	b.mu.Lock()
	b.items = append(b.items, n)
	full := len(b.items) >= f.bufferSize
	b.mu.Unlock()

	if full {
		f.flushBucket(ctx, n.Topic, b)
	}
	return nil
}

func (f *FanOut) flushAll(ctx context.Context) {
	f.mu.Lock()
	snapshot := make(map[string]*bucket, len(f.buckets))
	for k, b := range f.buckets {
		snapshot[k] = b
	}
	f.mu.Unlock()

	for key, b := range snapshot {
		topic := topicFromKey(key)
		f.flushBucket(ctx, topic, b)
	}
}

func (f *FanOut) flushBucket(ctx context.Context, topic string, b *bucket) {
	b.mu.Lock()
	if len(b.items) == 0 {
		b.mu.Unlock()
		return
	}
	items := b.items
	b.items = nil
	b.mu.Unlock()

	for _, n := range items {
		if err := f.publishOne(ctx, n); err != nil {
			f.log.Warnw("notification flush failed", "topic", n.Topic, "org", n.OrganizationID, "error", err)
		}
	}
}

func (f *FanOut) publishOne(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	if err := f.pub.Publish(ctx, n.Topic, body, false); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func bucketKey(org, topic string) string {
	return org + "\x00" + topic
}

func topicFromKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[i+1:]
		}
	}
	return key
}
