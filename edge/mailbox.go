package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Keksclan/nutcache/policy"
	"go.uber.org/zap"
)

// MessageType names a mailbox command, reply or push.
type MessageType string

const (
	// Commands.
	SkipWaiting      MessageType = "SKIP_WAITING"
	GetCacheStats    MessageType = "GET_CACHE_STATS"
	ClearCache       MessageType = "CLEAR_CACHE"
	PreloadResources MessageType = "PRELOAD_RESOURCES"

	// Replies.
	CacheStats         MessageType = "CACHE_STATS"
	Error              MessageType = "ERROR"
	CacheCleared       MessageType = "CACHE_CLEARED"
	ResourcesPreloaded MessageType = "RESOURCES_PRELOADED"

	// UpdateAvailable is pushed to every client on activation.
	UpdateAvailable MessageType = "SW_UPDATE_AVAILABLE"
)

// Message is the JSON envelope exchanged with the worker.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with payload encoded as JSON. A nil payload
// is omitted.
func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	msg.Payload = b
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errors.New("edge: message has no payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// PartitionStats is one entry of a CACHE_STATS reply.
type PartitionStats struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type envelope struct {
	msg  Message
	port chan<- Message
}

// expectsReply reports whether the worker answers t on the reply port.
func expectsReply(t MessageType) bool {
	return t != SkipWaiting
}

// Post queues msg for the mailbox. The reply, if any, is sent on port; a nil
// port discards it. Post blocks while the mailbox is full.
func (w *Worker) Post(ctx context.Context, msg Message, port chan<- Message) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.mailbox <- envelope{msg: msg, port: port}:
		return nil
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request posts msg and waits for its reply. Commands without a reply
// return a zero Message once queued.
func (w *Worker) Request(ctx context.Context, msg Message) (Message, error) {
	if !expectsReply(msg.Type) {
		return Message{}, w.Post(ctx, msg, nil)
	}
	port := make(chan Message, 1)
	if err := w.Post(ctx, msg, port); err != nil {
		return Message{}, err
	}
	select {
	case reply := <-port:
		return reply, nil
	case <-w.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Run processes mailbox messages one at a time until ctx is done or the
// worker is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case env := <-w.mailbox:
			reply, ok := w.handle(ctx, env.msg)
			if ok && env.port != nil {
				select {
				case env.port <- reply:
				case <-ctx.Done():
					return ctx.Err()
				case <-w.done:
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil
		}
	}
}

// handle executes one command and returns its reply.
func (w *Worker) handle(ctx context.Context, msg Message) (Message, bool) {
	switch msg.Type {
	case SkipWaiting:
		if err := w.SkipWaiting(ctx); err != nil {
			w.cfg.logger.Warn("edge: skip waiting failed", zap.Error(err))
		}
		return Message{}, false

	case GetCacheStats:
		stats, err := w.stats(ctx)
		if err != nil {
			return errorReply(err), true
		}
		return reply(CacheStats, stats), true

	case ClearCache:
		var name string
		if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
			if err := msg.Decode(&name); err != nil {
				return errorReply(fmt.Errorf("edge: CLEAR_CACHE payload: %w", err)), true
			}
		}
		if err := w.clear(ctx, name); err != nil {
			return errorReply(err), true
		}
		if name == "" {
			return Message{Type: CacheCleared}, true
		}
		return reply(CacheCleared, name), true

	case PreloadResources:
		var urls []string
		if err := msg.Decode(&urls); err != nil {
			return errorReply(fmt.Errorf("edge: PRELOAD_RESOURCES payload: %w", err)), true
		}
		if err := w.addAll(ctx, urls); err != nil {
			w.cfg.logger.Warn("edge: preload failed", zap.Error(err))
			return errorReply(err), true
		}
		return reply(ResourcesPreloaded, urls), true
	}
	return errorReply(fmt.Errorf("edge: unknown message type %q", msg.Type)), true
}

// stats lists every partition with its record count.
func (w *Worker) stats(ctx context.Context) ([]PartitionStats, error) {
	names, err := w.cfg.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PartitionStats, 0, len(names))
	for _, name := range names {
		part, err := w.cfg.storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		n, err := part.Len(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, PartitionStats{Name: name, Count: n})
	}
	return out, nil
}

// clear deletes the named partition, or every partition when name is empty.
func (w *Worker) clear(ctx context.Context, name string) error {
	if name != "" {
		_, err := w.cfg.storage.Delete(ctx, name)
		return err
	}
	names, err := w.cfg.storage.Names(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		if _, err := w.cfg.storage.Delete(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// StaticPartition returns the name of the partition PRELOAD_RESOURCES and
// Install write to.
func (w *Worker) StaticPartition() string {
	return w.partitionName(policy.Static)
}

func reply(t MessageType, payload any) Message {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return errorReply(err)
	}
	return msg
}

func errorReply(err error) Message {
	msg, _ := NewMessage(Error, err.Error())
	return msg
}
