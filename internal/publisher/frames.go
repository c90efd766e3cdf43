package publisher

import (
	"bytes"

	cbg "github.com/whyrusleeping/cbor-gen"
)

// The two control frames below follow the AT Protocol firehose's info/error
// frame convention: a CBOR header map followed by a CBOR body map, built by
// hand in canonical key order the same way the "manual CBOR map" encoder
// elsewhere in this codebase builds a canonical PLC operation. Mirroring
// the exact byte layout matters here since some downstream consumers match
// on the raw frame rather than re-decoding it.

// outdatedCursorFrame is sent, once, when a subscriber's requested cursor
// has already been trimmed from the log; the connection stays open and
// resumes streaming from the oldest available entry.
func outdatedCursorFrame() []byte {
	var buf bytes.Buffer
	w := cbg.NewCborWriter(&buf)

	// header: {"op": 1, "t": "#info"}
	_ = w.WriteMajorTypeHeader(cbg.MajMap, 2)
	_ = writeText(w, "op")
	_ = w.WriteMajorTypeHeader(cbg.MajUnsignedInt, 1)
	_ = writeText(w, "t")
	_ = writeText(w, "#info")

	// body: {"name": "OutdatedCursor", "message": "..."}
	_ = w.WriteMajorTypeHeader(cbg.MajMap, 2)
	_ = writeText(w, "name")
	_ = writeText(w, "OutdatedCursor")
	_ = writeText(w, "message")
	_ = writeText(w, "Requested cursor exceeded limit. Possibly missing events.")

	return buf.Bytes()
}

// futureCursorFrame is sent, and the connection then closed, when a
// subscriber requests a cursor past the latest sequence the log has ever
// assigned.
func futureCursorFrame() []byte {
	var buf bytes.Buffer
	w := cbg.NewCborWriter(&buf)

	// header: {"op": -1}
	_ = w.WriteMajorTypeHeader(cbg.MajMap, 1)
	_ = writeText(w, "op")
	_ = w.WriteMajorTypeHeader(cbg.MajNegativeInt, 0)

	// body: {"error": "FutureCursor", "message": "Cursor in the future."}
	_ = w.WriteMajorTypeHeader(cbg.MajMap, 2)
	_ = writeText(w, "error")
	_ = writeText(w, "FutureCursor")
	_ = writeText(w, "message")
	_ = writeText(w, "Cursor in the future.")

	return buf.Bytes()
}

func writeText(w *cbg.CborWriter, s string) error {
	if err := w.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}
