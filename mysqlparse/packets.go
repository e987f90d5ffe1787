package mysqlparse

import "encoding/binary"

// readLenEncInt decodes a length-encoded integer at data[off:], returning
// the value and the number of bytes the prefix+value occupied. A zero-size
// result means the prefix byte at off was malformed or data was truncated;
// the caller abandons the current packet rather than guessing.
func readLenEncInt(data []byte, off int) (value uint64, size int) {
	if off >= len(data) {
		return 0, 0
	}
	switch b := data[off]; {
	case b < 0xFB:
		return uint64(b), 1
	case b == 0xFB:
		return 0, 1 // SQL NULL; caller checks size==1 && value==0 against the prefix byte
	case b == 0xFC:
		if off+3 > len(data) {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint16(data[off+1 : off+3])), 3
	case b == 0xFD:
		if off+4 > len(data) {
			return 0, 0
		}
		return uint64(data[off+1]) | uint64(data[off+2])<<8 | uint64(data[off+3])<<16, 4
	case b == 0xFE:
		if off+9 > len(data) {
			return 0, 0
		}
		return binary.LittleEndian.Uint64(data[off+1 : off+9]), 9
	default:
		return 0, 0
	}
}

// isLenEncNull reports whether the length-encoded value at off is the SQL
// NULL marker (prefix byte 0xFB) rather than an integer.
func isLenEncNull(data []byte, off int) bool {
	return off < len(data) && data[off] == 0xFB
}

// readLenEncString decodes a length-encoded string: a length-encoded integer
// followed by that many raw bytes. ok is false on NULL or truncated input.
func readLenEncString(data []byte, off int) (s string, consumed int, ok bool) {
	if isLenEncNull(data, off) {
		return "", 1, false
	}
	n, size := readLenEncInt(data, off)
	if size == 0 {
		return "", 0, false
	}
	start := off + size
	end := start + int(n)
	if end > len(data) {
		return "", 0, false
	}
	return string(data[start:end]), end - off, true
}

// extractPacket pulls one whole MySQL packet (3-byte LE length + 1-byte
// sequence id + payload) off the front of data. tcpreasm re-offers the
// entire unconsumed tail of a half-stream on every call (see parser.Session),
// so packet extraction here is stateless: data always holds everything not
// yet consumed, and the caller advances past whatever this returns.
func extractPacket(data []byte) (payload []byte, seqID byte, total int, ok bool) {
	if len(data) < 4 {
		return nil, 0, 0, false
	}
	length := int(data[0]) | int(data[1])<<8 | int(data[2])<<16
	if len(data) < 4+length {
		return nil, 0, 0, false
	}
	return data[4 : 4+length], data[3], 4 + length, true
}
