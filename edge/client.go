package edge

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client is a connected page. It receives messages pushed by the worker.
type Client struct {
	id         string
	w          *Worker
	ch         chan Message
	controlled atomic.Bool
	once       sync.Once
}

// Connect registers a new client. Clients connecting after activation are
// controlled immediately.
func (w *Worker) Connect() *Client {
	c := &Client{
		id: uuid.NewString(),
		w:  w,
		ch: make(chan Message, clientBuffer),
	}
	c.controlled.Store(w.State() == Activated)

	w.clientsMu.Lock()
	defer w.clientsMu.Unlock()
	select {
	case <-w.done:
		close(c.ch)
		return c
	default:
	}
	w.clients[c.id] = c
	return c
}

func (c *Client) ID() string { return c.id }

// Messages returns the channel of pushed messages. It is closed when the
// client or the worker closes.
func (c *Client) Messages() <-chan Message { return c.ch }

// Controlled reports whether the worker has taken control of the client.
func (c *Client) Controlled() bool { return c.controlled.Load() }

// Close disconnects the client.
func (c *Client) Close() {
	c.w.clientsMu.Lock()
	delete(c.w.clients, c.id)
	c.w.clientsMu.Unlock()
	c.disconnect()
}

func (c *Client) disconnect() {
	c.once.Do(func() { close(c.ch) })
}

// broadcast pushes msg to every client. A client whose buffer is full
// misses the message.
func (w *Worker) broadcast(msg Message) {
	w.clientsMu.Lock()
	defer w.clientsMu.Unlock()
	for id, c := range w.clients {
		select {
		case c.ch <- msg:
		default:
			w.cfg.logger.Debug("edge: client buffer full, dropping message",
				zap.String("client", id),
				zap.String("type", string(msg.Type)),
			)
		}
	}
}

// claim takes control of every connected client.
func (w *Worker) claim() {
	w.clientsMu.Lock()
	defer w.clientsMu.Unlock()
	for _, c := range w.clients {
		c.controlled.Store(true)
	}
}

// Clients returns the number of connected clients.
func (w *Worker) Clients() int {
	w.clientsMu.Lock()
	defer w.clientsMu.Unlock()
	return len(w.clients)
}
