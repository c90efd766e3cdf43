// Package crawler maintains outbound WebSocket subscriptions to upstream
// hosts (component C3) and feeds decoded frames into a shared channel for
// the validator to consume. A fixed pool of workers partitions hosts by a
// hash of the hostname so that each host is owned by exactly one worker at
// a time, matching the disjoint-ownership contract of the round-robin
// dispatcher it was ported from.
package crawler

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Frame is a raw binary message received from an upstream host, handed to
// the validator unopened.
type Frame struct {
	Hostname string
	Data     []byte
}

// commandKind enumerates the control messages a Manager sends to a worker.
type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdShutdown
)

type command struct {
	kind     commandKind
	hostname string
	cursor   int64
}

// Options configures a Manager.
type Options struct {
	Workers         int
	ChannelCapacity int
	IdleTimeout     time.Duration
	// Backpressure headroom: a worker pauses reading from its sockets
	// once the shared frame channel has fewer than this many free slots.
	BackpressureHeadroom int
	// OnStateChange, if set, is called whenever a host's connection
	// state transitions (one of StateIdle/StateConnecting/StateConnected/
	// StateBackoff). It lets a caller persist or export the transition
	// without the crawler package importing the host table itself.
	OnStateChange func(hostname, state string)
}

// Host connection states reported through Options.OnStateChange. The
// string values are shared with the host table's own state column.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateConnected  = "connected"
	StateBackoff    = "backoff"
)

// Manager owns the crawler worker pool.
type Manager struct {
	opts    Options
	frames  chan Frame
	workers []chan command
	log     *slog.Logger

	wg sync.WaitGroup
}

// NewManager creates a Manager with opts.Workers workers and a shared
// frame channel of size opts.ChannelCapacity.
func NewManager(opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ChannelCapacity <= 0 {
		opts.ChannelCapacity = 1 << 16
	}
	if opts.BackpressureHeadroom <= 0 {
		opts.BackpressureHeadroom = 16
	}
	m := &Manager{
		opts:    opts,
		frames:  make(chan Frame, opts.ChannelCapacity),
		workers: make([]chan command, opts.Workers),
		log:     slog.Default().With("system", "crawler"),
	}
	for i := range m.workers {
		m.workers[i] = make(chan command, 1024)
	}
	return m
}

// Frames returns the shared channel the validator reads from.
func (m *Manager) Frames() <-chan Frame { return m.frames }

// Run starts all worker goroutines and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for id, cmds := range m.workers {
		m.wg.Add(1)
		go func(id int, cmds chan command) {
			defer m.wg.Done()
			newWorker(id, m.opts, m.frames, cmds, m.log).run(ctx)
		}(id, cmds)
	}
	<-ctx.Done()
	for _, cmds := range m.workers {
		select {
		case cmds <- command{kind: cmdShutdown}:
		default:
		}
	}
	m.wg.Wait()
}

// Connect assigns hostname to the worker that owns its hash, requesting a
// connection starting at cursor (0 meaning "from now").
func (m *Manager) Connect(hostname string, cursor int64) {
	m.workers[ownerOf(hostname, len(m.workers))] <- command{kind: cmdConnect, hostname: hostname, cursor: cursor}
}

// Disconnect tells the owning worker to drop hostname, e.g. after a ban.
func (m *Manager) Disconnect(hostname string) {
	m.workers[ownerOf(hostname, len(m.workers))] <- command{kind: cmdDisconnect, hostname: hostname}
}

func ownerOf(hostname string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hostname))
	return int(h.Sum32()) % n
}

// dialer is overridable in tests.
var dialer = websocket.DefaultDialer
