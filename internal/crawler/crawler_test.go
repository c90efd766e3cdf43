package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOwnerOfIsStableForSameHostname(t *testing.T) {
	require.Equal(t, ownerOf("bsky.social", 4), ownerOf("bsky.social", 4))
}

func TestOwnerOfStaysInRange(t *testing.T) {
	hosts := []string{"a.example", "b.example", "c.example", "d.example", "e.example", "f.example"}
	for _, h := range hosts {
		owner := ownerOf(h, 4)
		require.GreaterOrEqual(t, owner, 0)
		require.Less(t, owner, 4)
	}
}

func TestManagerRunStopsOnContextCancel(t *testing.T) {
	m := NewManager(Options{Workers: 2, ChannelCapacity: 8})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
