// Package events announces thread and draft changes to downstream workers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	ThreadCreated = "thread.created"
	ThreadRenamed = "thread.renamed"
	ThreadDeleted = "thread.deleted"
	DraftUploaded = "draft.uploaded"
	DraftDeleted  = "draft.deleted"
)

type Event struct {
	Type      string    `json:"type"`
	OwnerID   string    `json:"ownerId"`
	ThreadID  string    `json:"threadId"`
	ItemID    string    `json:"itemId,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	ObjectKey string    `json:"objectKey,omitempty"`
	Version   int64     `json:"version,omitempty"`
	DraftRev  int64     `json:"draftRev,omitempty"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close()
}

// Subject maps an event type onto a NATS subject under prefix.
func Subject(prefix, eventType string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("happysrt-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(Subject(p.prefix, event.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	_ = p.conn.Drain()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}
