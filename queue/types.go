package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrClosed is returned by publishers and sources after Close.
var ErrClosed = errors.New("queue: closed")

// Message is the broker-resident form of an email task.
type Message struct {
	ID          string
	Body        []byte
	ContentType string
	Persistent  bool
}

// Publisher hands messages to a broker. Publish returns only after the broker has
// accepted the message.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Source yields messages one at a time. Receive blocks until a message is available,
// ctx is done, or the source is closed.
type Source interface {
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// Delivery is a received message. Exactly one of Ack, Requeue or Drop must be called.
type Delivery interface {
	ID() string
	Body() []byte
	Ack(ctx context.Context) error
	Requeue(ctx context.Context) error
	Drop(ctx context.Context) error
}

// Resolution is the terminal transition of a received message.
type Resolution string

const (
	Acked    Resolution = "acked"
	Requeued Resolution = "requeued"
	Dropped  Resolution = "dropped"
)

// contentID identifies a message by its payload when the broker carries no ID.
func contentID(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:16])
}
