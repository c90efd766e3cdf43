package validator

import (
	"bytes"
	"context"
	"testing"

	"github.com/bluesky-social/indigo/atproto/identity"
	indigoevents "github.com/bluesky-social/indigo/events"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/relay/internal/crawler"
)

// passthroughResolver is never actually consulted by the cases below,
// since none of them reach commit signature verification.
type passthroughResolver struct{}

func (passthroughResolver) Resolve(ctx context.Context, did string) (*identity.Identity, error) {
	return nil, nil
}
func (passthroughResolver) Evict(string) {}

func encodeHeaderOnly(t *testing.T, msgType string) []byte {
	t.Helper()
	var buf bytes.Buffer
	h := indigoevents.EventHeader{Op: indigoevents.EvtKindMessage, MsgType: msgType}
	require.NoError(t, h.MarshalCBOR(&buf))
	return buf.Bytes()
}

func TestValidatePassesThroughNonCommitFrames(t *testing.T) {
	v := New(passthroughResolver{})

	for _, kind := range []string{"#identity", "#account", "#handle", "#tombstone", "#info"} {
		frame := encodeHeaderOnly(t, kind)
		accepted, err := v.Validate(context.Background(), crawler.Frame{Hostname: "example.test", Data: frame})
		require.NoError(t, err, kind)
		require.NotNil(t, accepted)
		require.Equal(t, frame, accepted.Frame)
	}
}

func TestValidateRejectsUnknownFrameKind(t *testing.T) {
	v := New(passthroughResolver{})
	frame := encodeHeaderOnly(t, "#bogus")
	_, err := v.Validate(context.Background(), crawler.Frame{Hostname: "example.test", Data: frame})
	require.Error(t, err)
}

func TestValidateRejectsTruncatedHeader(t *testing.T) {
	v := New(passthroughResolver{})
	_, err := v.Validate(context.Background(), crawler.Frame{Hostname: "example.test", Data: []byte{0xa1}})
	require.Error(t, err)
}
