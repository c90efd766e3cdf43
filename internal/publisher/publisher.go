// Package publisher implements component C5: fan-out of the durable log to
// downstream WebSocket subscribers, including the catching-up/live/closing
// state machine and the cursor contract (OutdatedCursor/FutureCursor
// frames) every subscriber connection must honor.
package publisher

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/primal-host/relay/internal/firehose"
	"github.com/primal-host/relay/internal/metrics"
)

// Upgrader allows any origin — subscribeRepos is a public endpoint.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	pollInterval  = 10 * time.Millisecond
	pingInterval  = 30 * time.Second
	pongWait      = 60 * time.Second
	subscriberBuf = 1024
)

// Manager owns the publisher worker pool, each worker holding a disjoint
// subset of currently connected subscribers.
type Manager struct {
	log     *firehose.Log
	workers []*worker
	next    atomicCounter
	logger  *slog.Logger
}

// NewManager creates a Manager with the given number of workers, each
// polling the shared log independently.
func NewManager(log *firehose.Log, workers int) *Manager {
	if workers <= 0 {
		workers = 4
	}
	m := &Manager{
		log:    log,
		logger: slog.Default().With("system", "publisher"),
	}
	m.workers = make([]*worker, workers)
	for i := range m.workers {
		m.workers[i] = newWorker(i, log, m.logger)
	}
	return m
}

// Run starts every worker's poll loop and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range m.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.run(ctx)
		}(w)
	}
	wg.Wait()
}

// Accept upgrades an HTTP request to a WebSocket and assigns the resulting
// subscriber to a worker round-robin.
func (m *Manager) Accept(ctx context.Context, wr http.ResponseWriter, r *http.Request, cursor int64, hasCursor bool) error {
	if !hasCursor {
		latest, err := m.log.Latest()
		if err != nil {
			return err
		}
		cursor = int64(latest)
	}

	conn, err := Upgrader.Upgrade(wr, r, nil)
	if err != nil {
		return err
	}

	sub := newSubscriber(conn, cursor, hasCursor)
	idx := int(m.next.next()) % len(m.workers)
	m.workers[idx].add(sub)
	metrics.PublisherSubscribers.Inc()
	return nil
}

type atomicCounter struct {
	mu sync.Mutex
	n  uint64
}

func (c *atomicCounter) next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}
