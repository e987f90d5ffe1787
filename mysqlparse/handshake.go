package mysqlparse

import (
	"bytes"
	"encoding/binary"

	"github.com/postmanlabs/flowbreak/logging"
)

const capClientSSL uint32 = 1 << 11
const capClientCompress uint32 = 1 << 5
const capClientProtocol41 uint32 = 1 << 9

// parseServerGreeting decodes the HandshakeV10 packet the server sends
// first. Only protocol version 10 is supported; anything else is logged and
// left with zero-value fields, per spec.md §4.6.
func parseServerGreeting(shared *sharedInfo, payload []byte) {
	if len(payload) < 1 {
		return
	}
	shared.protoVer = payload[0]
	if shared.protoVer != 10 {
		logging.Warningf("mysqlparse: unsupported handshake protocol version %d", shared.protoVer)
		return
	}
	nul := bytes.IndexByte(payload[1:], 0x00)
	if nul < 0 {
		return
	}
	shared.serverVer = string(payload[1 : 1+nul])
	off := 1 + nul + 1
	if off+4 > len(payload) {
		return
	}
	shared.connID = binary.LittleEndian.Uint32(payload[off : off+4])
	off += 4
	off += 8 // auth_plugin_data_part_1
	if off >= len(payload) {
		return
	}
	off++ // filler
	if off+2 > len(payload) {
		return
	}
	capLower := uint32(binary.LittleEndian.Uint16(payload[off : off+2]))
	off += 2
	if off >= len(payload) {
		shared.cliCaps = capLower
		return
	}
	off++ // charset
	if off+2 > len(payload) {
		shared.cliCaps = capLower
		return
	}
	off += 2 // status flags
	if off+2 > len(payload) {
		shared.cliCaps = capLower
		return
	}
	capUpper := uint32(binary.LittleEndian.Uint16(payload[off : off+2]))
	shared.cliCaps = capLower | capUpper<<16
}

// parseClientHandshake decodes the client's HandshakeResponse41 (or the
// older pre-4.1 response, best-effort).
func parseClientHandshake(shared *sharedInfo, payload []byte) {
	if len(payload) < 4 {
		return
	}
	caps := binary.LittleEndian.Uint32(payload[0:4])
	shared.cliProtoV41 = caps&capClientProtocol41 != 0
	shared.doSSL = caps&capClientSSL != 0
	shared.doCompress = caps&capClientCompress != 0

	if !shared.cliProtoV41 || len(payload) < 32 {
		// Pre-4.1 handshake has a different, shorter layout; username best-
		// effort only.
		if len(payload) > 4 {
			if nul := bytes.IndexByte(payload[4:], 0x00); nul >= 0 {
				shared.userName = string(payload[4 : 4+nul])
			}
		}
		return
	}
	shared.maxPktSize = binary.LittleEndian.Uint32(payload[4:8])
	off := 32 // skip max_packet_size(4)+charset(1)+reserved(23)
	nul := bytes.IndexByte(payload[off:], 0x00)
	if nul < 0 {
		return
	}
	shared.userName = string(payload[off : off+nul])
}
