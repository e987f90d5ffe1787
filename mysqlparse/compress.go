package mysqlparse

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
)

// compressedHeaderSize is the MySQL compressed-protocol frame header: a
// 3-byte little-endian compressed length, a 1-byte sequence id (the
// compression layer's own, distinct from the wrapped packet's), and a
// 3-byte little-endian uncompressed length. Once CLIENT_COMPRESS has been
// negotiated, every packet after the handshake is wrapped in one of these.
const compressedHeaderSize = 7

// extractCompressedFrame pulls one compressed frame out of data and returns
// the plaintext MySQL packet stream it contains, the way extractPacket
// pulls one uncompressed packet out -- stateless, operating only on the
// slice it's given, since the caller re-offers the whole unconsumed buffer
// on every call.
//
// An uncompressed length of zero means the server chose not to compress
// this particular frame (used for small payloads); its bytes are already
// plain MySQL protocol and are passed through unchanged.
func extractCompressedFrame(data []byte) (plain []byte, total int, ok bool) {
	if len(data) < compressedHeaderSize {
		return nil, 0, false
	}
	compLen := int(data[0]) | int(data[1])<<8 | int(data[2])<<16
	uncompLen := int(data[4]) | int(data[5])<<8 | int(data[6])<<16
	if len(data) < compressedHeaderSize+compLen {
		return nil, 0, false
	}
	payload := data[compressedHeaderSize : compressedHeaderSize+compLen]
	total = compressedHeaderSize + compLen

	if uncompLen == 0 {
		return payload, total, true
	}

	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, 0, false
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, false
	}
	return out, total, true
}
