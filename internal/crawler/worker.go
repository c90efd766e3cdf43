package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/primal-host/relay/internal/metrics"
)

// crawlerHostStateValue maps a host connection state to the numeric value
// metrics.CrawlerHostState reports for that host.
var crawlerHostStateValue = map[string]float64{
	StateIdle:       0,
	StateConnecting: 1,
	StateConnected:  2,
	StateBackoff:    3,
}

func (w *worker) setState(hostname, state string) {
	if w.opts.OnStateChange != nil {
		w.opts.OnStateChange(hostname, state)
	}
	metrics.CrawlerHostState.WithLabelValues(hostname).Set(crawlerHostStateValue[state])
}

// worker owns a disjoint set of hosts and maintains one upstream WebSocket
// connection per host, pushing decoded frames into the shared channel.
type worker struct {
	id      int
	opts    Options
	frames  chan<- Frame
	cmds    <-chan command
	log     *slog.Logger
	conns   map[string]context.CancelFunc
}

func newWorker(id int, opts Options, frames chan<- Frame, cmds <-chan command, log *slog.Logger) *worker {
	return &worker{
		id:     id,
		opts:   opts,
		frames: frames,
		cmds:   cmds,
		log:    log.With("worker", id),
		conns:  make(map[string]context.CancelFunc),
	}
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.stopAll()
			return
		case cmd, ok := <-w.cmds:
			if !ok {
				w.stopAll()
				return
			}
			switch cmd.kind {
			case cmdConnect:
				w.connect(ctx, cmd.hostname, cmd.cursor)
			case cmdDisconnect:
				w.disconnect(cmd.hostname)
			case cmdShutdown:
				w.stopAll()
				return
			}
		}
	}
}

func (w *worker) stopAll() {
	for host, cancel := range w.conns {
		cancel()
		delete(w.conns, host)
		w.setState(host, StateIdle)
	}
}

func (w *worker) disconnect(hostname string) {
	if cancel, ok := w.conns[hostname]; ok {
		cancel()
		delete(w.conns, hostname)
		w.setState(hostname, StateIdle)
	}
}

func (w *worker) connect(parent context.Context, hostname string, cursor int64) {
	if _, already := w.conns[hostname]; already {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	w.conns[hostname] = cancel
	go w.maintain(ctx, hostname, cursor)
}

// maintain holds the reconnect loop for a single host, backing off
// exponentially between attempts per the upstream host's own policy for
// throttling noisy reconnecting clients.
func (w *worker) maintain(ctx context.Context, hostname string, cursor int64) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0 // retry forever until cancelled

	for {
		select {
		case <-ctx.Done():
			w.setState(hostname, StateIdle)
			return
		default:
		}

		w.setState(hostname, StateConnecting)
		if err := w.runConnection(ctx, hostname, cursor); err != nil {
			w.log.Warn("upstream connection ended", "host", hostname, "error", err)
		}

		w.setState(hostname, StateBackoff)
		select {
		case <-ctx.Done():
			w.setState(hostname, StateIdle)
			return
		case <-time.After(b.NextBackOff()):
		}
	}
}

func (w *worker) runConnection(ctx context.Context, hostname string, cursor int64) error {
	u := url.URL{
		Scheme: "wss",
		Host:   hostname,
		Path:   "/xrpc/com.atproto.sync.subscribeRepos",
	}
	if cursor > 0 {
		u.RawQuery = fmt.Sprintf("cursor=%d", cursor)
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", hostname, err)
	}
	defer conn.Close()
	w.setState(hostname, StateConnected)

	if w.opts.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(w.opts.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(w.opts.IdleTimeout))
		})
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	headroom := w.opts.BackpressureHeadroom
	for {
		// Pause consuming once the shared channel is nearly full so a
		// burst of upstream traffic can't force an unbounded memory
		// spike ahead of the validator.
		for cap(w.frames)-len(w.frames) < headroom {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		select {
		case w.frames <- Frame{Hostname: hostname, Data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}

		if w.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(w.opts.IdleTimeout))
		}
	}
}
