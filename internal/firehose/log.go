// Package firehose implements the durable, sequenced append-only log that
// sits between the validator and the publisher pool. Every accepted frame
// is assigned a monotonically increasing sequence number and stored in an
// embedded key-value file so that downstream subscribers can resume a
// stream after a restart by cursor alone.
package firehose

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketEvents = []byte("events")
	bucketMeta   = []byte("meta")

	keyLatest  = []byte("latest")
	keyOldest  = []byte("oldest")
	keyOldestT = []byte("oldest_time")
)

// ErrClosed names the closed-log condition. No method of Log returns it:
// operations performed after Close return bbolt's own error, wrapped.
var ErrClosed = errors.New("firehose: log is closed")

// ErrNotFound names a cursor that has already been trimmed away. Range does
// not return it (it simply starts at the oldest surviving entry); callers
// detect a trimmed cursor with Available.
var ErrNotFound = errors.New("firehose: cursor no longer available")

// Seq is a firehose sequence number. Zero is not a valid assigned sequence;
// it is used as the "nothing appended yet" sentinel.
type Seq uint64

// Log is the durable sequenced event store (component C1). A single *Log
// owns exclusive access to its bbolt file; all writers must go through
// Append so that sequence assignment stays strictly monotonic.
type Log struct {
	db *bbolt.DB

	diskSize          int64
	trimHighWaterMark float64
	ttl               time.Duration

	closed chan struct{}
}

// Options configures a Log.
type Options struct {
	// Path is the bbolt database file.
	Path string
	// DiskSize is the soft byte ceiling that Trim enforces.
	DiskSize int64
	// TrimHighWaterMark is the fraction of DiskSize at which trimming
	// begins (e.g. 0.9 starts trimming at 90% of DiskSize).
	TrimHighWaterMark float64
	// TTL is the maximum age of a retained entry. Zero disables the
	// age-based trim and leaves only the size bound in effect.
	TTL time.Duration
	// NoSync relaxes bbolt's per-commit fsync, trading durability for
	// append throughput. Used when FsyncInterval > 0 is configured.
	NoSync bool
}

// Open opens (creating if absent) the log at opts.Path.
func Open(opts Options) (*Log, error) {
	db, err := bbolt.Open(opts.Path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("firehose: open %s: %w", opts.Path, err)
	}
	db.NoSync = opts.NoSync

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEvents); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("firehose: init buckets: %w", err)
	}

	hwm := opts.TrimHighWaterMark
	if hwm <= 0 || hwm > 1 {
		hwm = 0.9
	}

	return &Log{
		db:                db,
		diskSize:          opts.DiskSize,
		trimHighWaterMark: hwm,
		ttl:               opts.TTL,
		closed:            make(chan struct{}),
	}, nil
}

// Close flushes and closes the underlying store.
func (l *Log) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
		close(l.closed)
	}
	return l.db.Close()
}

// Append assigns the next sequence number to frame and durably stores it,
// returning the assigned sequence. Append is safe for concurrent use;
// bbolt's single-writer transaction serializes assignment, which is what
// gives the log its total order guarantee.
func (l *Log) Append(frame []byte) (Seq, error) {
	var seq Seq
	err := l.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		events := tx.Bucket(bucketEvents)

		next := decodeSeq(meta.Get(keyLatest)) + 1
		key := encodeSeq(next)

		// Each stored value is prefixed with its own append timestamp so
		// Trim can recover the real age of whichever entry becomes the
		// new oldest surviving one, instead of losing that information
		// once the original oldest entry is deleted.
		buf := make([]byte, 8+len(frame))
		copy(buf, encodeTime(time.Now()))
		copy(buf[8:], frame)
		if err := events.Put(key, buf); err != nil {
			return err
		}
		if err := meta.Put(keyLatest, key); err != nil {
			return err
		}
		if meta.Get(keyOldest) == nil {
			if err := meta.Put(keyOldest, key); err != nil {
				return err
			}
			if err := meta.Put(keyOldestT, buf[:8]); err != nil {
				return err
			}
		}
		seq = next
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("firehose: append: %w", err)
	}
	return seq, nil
}

// Latest returns the most recently assigned sequence number, or 0 if the
// log is empty.
func (l *Log) Latest() (Seq, error) {
	var seq Seq
	err := l.db.View(func(tx *bbolt.Tx) error {
		seq = decodeSeq(tx.Bucket(bucketMeta).Get(keyLatest))
		return nil
	})
	return seq, err
}

// Oldest returns the oldest surviving sequence number, or 0 if the log is
// empty.
func (l *Log) Oldest() (Seq, error) {
	var seq Seq
	err := l.db.View(func(tx *bbolt.Tx) error {
		seq = decodeSeq(tx.Bucket(bucketMeta).Get(keyOldest))
		return nil
	})
	return seq, err
}

// Range calls fn for every frame with sequence strictly greater than
// since, in ascending order, until fn returns false or there are no more
// entries. Each call opens its own short-lived read transaction so a long
// scan performed across many poll ticks never blocks Trim's writes.
func (l *Log) Range(since Seq, limit int, fn func(seq Seq, frame []byte) bool) error {
	return l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		start := encodeSeq(uint64(since) + 1)
		n := 0
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			if limit > 0 && n >= limit {
				return nil
			}
			cont := fn(decodeSeq(k), v[8:])
			n++
			if !cont {
				return nil
			}
		}
		return nil
	})
}

// Available reports whether since is still present in, or immediately
// precedes, the retained window (i.e. replay from since is possible
// without a gap). A since strictly less than Oldest()-1 has been trimmed.
func (l *Log) Available(since Seq) (bool, error) {
	oldest, err := l.Oldest()
	if err != nil {
		return false, err
	}
	if oldest == 0 {
		return true, nil
	}
	return since+1 >= oldest, nil
}

// Stats reports approximate on-disk size in bytes. Trim does not use it;
// trimOnce measures size with the write transaction's tx.Size().
func (l *Log) Stats() int64 {
	return l.db.Stats().TxStats.PageCount * int64(l.db.Info().PageSize)
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func decodeSeq(b []byte) Seq {
	if len(b) != 8 {
		return 0
	}
	return Seq(binary.BigEndian.Uint64(b))
}

func encodeTime(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func decodeTime(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}
