package validator

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/multiformats/go-multihash"
)

// ErrMalformedCAR is returned by scanBlocks when the uvarint-framed block
// section of a CAR is truncated or carries an implausible length prefix.
var ErrMalformedCAR = errors.New("validator: malformed car block framing")

// maxBlockSize bounds any single CAR block so a corrupt or adversarial
// length prefix can't force an unbounded read.
const maxBlockSize = 8 << 20

// allowedMultihashes is the set of hash functions a commit's blocks may be
// addressed by. atproto repos are always SHA2-256; anything else is either
// a malformed producer or an attempt to smuggle a cheap hash collision past
// the CID equality check.
var allowedMultihashes = map[uint64]bool{
	multihash.SHA2_256: true,
}

// scanBlocks walks the uvarint-framed block section of a CAR v1 byte
// stream, verifying that every frame is well-formed (length prefix decodes,
// the frame is neither truncated nor larger than maxBlockSize, the CID uses
// an allowed hash function, and the block's bytes hash to the CID that
// precedes them) before any semantic parsing is attempted. It returns every
// verified block, keyed by CID, in the shape indigo's own blockstore
// interface expects.
//
// This is a defensive pass independent of indigo's own CAR/MST parser: it
// exists so a malformed wire frame is rejected on its own terms rather than
// surfacing as a confusing error partway through MST traversal.
func scanBlocks(data []byte) (map[string]blocks.Block, error) {
	br := bufio.NewReader(bytes.NewReader(data))
	header, err := car.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedCAR, err)
	}
	if len(header.Roots) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one root, got %d", ErrMalformedCAR, len(header.Roots))
	}

	seen := make(map[string]blocks.Block)
	for {
		c, data, err := carutil.ReadNode(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCAR, err)
		}
		if len(data) > maxBlockSize {
			return nil, fmt.Errorf("%w: block %s exceeds max size", ErrMalformedCAR, c)
		}
		if !allowedMultihashes[c.Prefix().MhType] {
			return nil, fmt.Errorf("%w: block %s uses disallowed hash function", ErrMalformedCAR, c)
		}
		if !verifyBlockCID(c, data) {
			return nil, fmt.Errorf("%w: block %s hash mismatch", ErrMalformedCAR, c)
		}
		blk, err := blocks.NewBlockWithCid(data, c)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCAR, err)
		}
		seen[c.KeyString()] = blk
	}

	if _, err := requireBlock(seen, header.Roots[0]); err != nil {
		return nil, fmt.Errorf("%w: declared root missing from block set: %v", ErrMalformedCAR, err)
	}
	return seen, nil
}

// requireBlock looks up root in seen, returning indigo's standard
// not-found error (the same sentinel its blockstore interface returns) if
// a commit's declared root CID wasn't actually included in its CAR.
func requireBlock(seen map[string]blocks.Block, root cid.Cid) (blocks.Block, error) {
	blk, ok := seen[root.KeyString()]
	if !ok {
		return nil, &ipld.ErrNotFound{Cid: root}
	}
	return blk, nil
}

func verifyBlockCID(c cid.Cid, data []byte) bool {
	expected, err := c.Prefix().Sum(data)
	if err != nil {
		return false
	}
	return expected.Equals(c)
}
