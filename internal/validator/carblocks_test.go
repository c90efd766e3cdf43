package validator

import (
	"bytes"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func buildCAR(t *testing.T, payload []byte) (cid.Cid, []byte) {
	t.Helper()
	blk, err := blocks.NewBlockWithCid(payload, mustSha256CID(t, payload))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, car.WriteHeader(&car.CarHeader{Roots: []cid.Cid{blk.Cid()}, Version: 1}, &buf))
	require.NoError(t, carutil.LdWrite(&buf, blk.Cid().Bytes(), blk.RawData()))
	return blk.Cid(), buf.Bytes()
}

func mustSha256CID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, mh)
}

func TestScanBlocksAcceptsWellFormedCAR(t *testing.T) {
	root, data := buildCAR(t, []byte("hello atproto"))
	seen, err := scanBlocks(data)
	require.NoError(t, err)
	require.Contains(t, seen, root.KeyString())
}

func TestScanBlocksRejectsTruncatedHeader(t *testing.T) {
	_, err := scanBlocks([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrMalformedCAR)
}

func TestScanBlocksRejectsTamperedBlockBytes(t *testing.T) {
	_, data := buildCAR(t, []byte("hello atproto"))
	// Flip a byte inside the block payload, after the length-prefixed CID,
	// so the stored hash no longer matches its CID.
	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-1] ^= 0xff
	_, err := scanBlocks(tampered)
	require.Error(t, err)
}

func TestScanBlocksRejectsMissingDeclaredRoot(t *testing.T) {
	phantomRoot := mustSha256CID(t, []byte("never written"))

	var buf bytes.Buffer
	require.NoError(t, car.WriteHeader(&car.CarHeader{Roots: []cid.Cid{phantomRoot}, Version: 1}, &buf))
	// No block section follows: the declared root is never present.

	_, err := scanBlocks(buf.Bytes())
	require.Error(t, err)
}
