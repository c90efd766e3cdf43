package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/primal-host/relay/internal/firehose"
	"github.com/primal-host/relay/internal/metrics"
)

// worker owns a disjoint set of subscribers and polls the shared log on a
// short ticker, since bbolt has no native blocking wait on new writes.
type worker struct {
	id  int
	log *firehose.Log

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	logger *slog.Logger
}

func newWorker(id int, log *firehose.Log, logger *slog.Logger) *worker {
	return &worker{
		id:     id,
		log:    log,
		subs:   make(map[*subscriber]struct{}),
		logger: logger.With("worker", id),
	}
}

func (w *worker) add(s *subscriber) {
	w.mu.Lock()
	w.subs[s] = struct{}{}
	w.mu.Unlock()

	go w.readLoop(s)
	go w.keepalive(s)
}

func (w *worker) remove(s *subscriber) {
	w.mu.Lock()
	_, present := w.subs[s]
	delete(w.subs, s)
	w.mu.Unlock()
	if present {
		metrics.PublisherSubscribers.Dec()
	}
}

// readLoop drains inbound frames from the client solely to detect
// disconnects; subscribeRepos clients never send data frames.
func (w *worker) readLoop(s *subscriber) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.close()
			w.remove(s)
			return
		}
	}
}

func (w *worker) keepalive(s *subscriber) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.writePing(); err != nil {
				s.close()
				w.remove(s)
				return
			}
		}
	}
}

// run polls the log and advances every owned subscriber in turn: each
// subscriber independently catches up from its cursor to the live tail,
// then streams new entries as they're appended.
func (w *worker) run(ctx context.Context) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.closeAll()
			return
		case <-t.C:
			w.tick()
		}
	}
}

func (w *worker) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for s := range w.subs {
		s.close()
		delete(w.subs, s)
		metrics.PublisherSubscribers.Dec()
	}
}

func (w *worker) tick() {
	w.mu.Lock()
	subs := make([]*subscriber, 0, len(w.subs))
	for s := range w.subs {
		subs = append(subs, s)
	}
	w.mu.Unlock()

	latest, err := w.log.Latest()
	if err != nil {
		w.logger.Warn("latest failed", "error", err)
		return
	}

	for _, s := range subs {
		w.advance(s, latest)
	}
}

// advance enforces the cursor contract for one subscriber and streams any
// newly available frames.
func (w *worker) advance(s *subscriber, latest firehose.Seq) {
	if s.state == stateClosing {
		return
	}

	if s.hasCursor {
		if firehose.Seq(s.cursor) > latest {
			_ = s.writeBinary(futureCursorFrame())
			s.close()
			w.remove(s)
			return
		}
		if !s.outdatedSent {
			ok, err := w.log.Available(firehose.Seq(s.cursor))
			if err == nil && !ok {
				s.outdatedSent = true
				if err := s.writeBinary(outdatedCursorFrame()); err != nil {
					s.close()
					w.remove(s)
					return
				}
				oldest, err := w.log.Oldest()
				if err == nil {
					s.cursor = int64(oldest) - 1
				}
			}
		}
	}

	if firehose.Seq(s.cursor) >= latest {
		s.state = stateLive
		return
	}

	writeFailed := false
	err := w.log.Range(firehose.Seq(s.cursor), 256, func(seq firehose.Seq, frame []byte) bool {
		if err := s.writeBinary(frame); err != nil {
			writeFailed = true
			return false
		}
		s.cursor = int64(seq)
		metrics.PublisherLag.WithLabelValues("aggregate").Set(float64(latest - seq))
		return true
	})
	if err != nil || writeFailed {
		s.close()
		w.remove(s)
	}
}
