package publisher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutdatedCursorFrameIsWellFormedCBOR(t *testing.T) {
	frame := outdatedCursorFrame()
	require.NotEmpty(t, frame)
	// header map(2) + body map(2) opening bytes.
	require.Equal(t, byte(0xa2), frame[0])
}

func TestFutureCursorFrameIsWellFormedCBOR(t *testing.T) {
	frame := futureCursorFrame()
	require.NotEmpty(t, frame)
	require.Equal(t, byte(0xa1), frame[0])
}

func TestFramesAreStable(t *testing.T) {
	require.Equal(t, outdatedCursorFrame(), outdatedCursorFrame())
	require.Equal(t, futureCursorFrame(), futureCursorFrame())
}
