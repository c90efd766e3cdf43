package firehose

import (
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// TrimLoop runs until stop is closed, periodically deleting the oldest
// entries once the log's on-disk size crosses trimHighWaterMark*DiskSize,
// or once the oldest entry is older than TTL. It mirrors the upstream
// retention policy: compaction starts before the hard ceiling, not at it.
func (l *Log) TrimLoop(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	log := slog.Default().With("system", "firehose")

	for {
		select {
		case <-stop:
			return
		case <-l.closed:
			return
		case <-t.C:
			n, err := l.trimOnce()
			if err != nil {
				log.Error("trim failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("trimmed log", "entries", n)
			}
		}
	}
}

func (l *Log) trimOnce() (int, error) {
	threshold := int64(float64(l.diskSize) * l.trimHighWaterMark)
	trimmed := 0

	err := l.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		events := tx.Bucket(bucketEvents)
		c := events.Cursor()

		for {
			size := int64(tx.Size())
			overSize := l.diskSize > 0 && size > threshold
			overAge := false
			if l.ttl > 0 {
				if ot := meta.Get(keyOldestT); ot != nil {
					overAge = time.Since(decodeTime(ot)) > l.ttl
				}
			}
			if !overSize && !overAge {
				return nil
			}

			k, _ := c.First()
			if k == nil {
				return nil
			}
			nextK, nextV := c.Next()
			if err := events.Delete(k); err != nil {
				return err
			}
			trimmed++
			if nextK == nil {
				// Nothing left; clear the oldest markers.
				meta.Delete(keyOldest)
				meta.Delete(keyOldestT)
				return nil
			}
			if err := meta.Put(keyOldest, nextK); err != nil {
				return err
			}
			// nextV is prefixed with its own append timestamp; carry that
			// forward as the new oldest-entry time instead of stamping
			// "now", or age-based trimming stalls after the first cycle.
			if err := meta.Put(keyOldestT, append([]byte(nil), nextV[:8]...)); err != nil {
				return err
			}
			c = events.Cursor()
		}
	})
	return trimmed, err
}
