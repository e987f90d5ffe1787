// Package ipdecode parses raw IPv4 and TCP headers into plain structs used
// by ipdefrag and tcpreasm.
//
// Unlike pcap/net_parse.go, which leans on gopacket/layers for decoding,
// this package parses headers by hand with encoding/binary. The
// defragmenter (ipdefrag) needs to rewrite header bytes in place -- clearing
// MF, patching total_length -- and then re-decode the result; gopacket's
// layers.IPv4 is built for one-shot decode-or-serialize, not that kind of
// mutate-and-redecode loop, so using it here would cost an extra
// serialize/deserialize round trip for no benefit. gopacket/layers remains
// the decoder of choice at the live-capture boundary in capture/, where
// full protocol-stack decoding (Ethernet down to application) is exactly
// its job.
package ipdecode

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

// IPv4Header is the subset of an IPv4 header the pipeline needs.
type IPv4Header struct {
	IHL           uint8
	TotalLength   uint16
	ID            uint16
	MoreFragments bool
	FragOffset    uint16 // in bytes, not 8-byte units
	Protocol      uint8
	SrcIP         net.IP
	DstIP         net.IP
}

const ProtocolTCP = 6

// DecodeIPv4 parses an IPv4 datagram's header. raw must contain at least the
// header; it may contain more (the payload) or, for a fragment, exactly the
// header plus that fragment's payload slice.
func DecodeIPv4(raw []byte) (*IPv4Header, []byte, error) {
	if len(raw) < 20 {
		return nil, nil, errors.New("truncated IPv4 header")
	}
	version := raw[0] >> 4
	if version != 4 {
		return nil, nil, errors.Errorf("not IPv4: version %d", version)
	}
	ihl := raw[0] & 0x0f
	if ihl < 5 {
		return nil, nil, errors.Errorf("invalid IHL %d", ihl)
	}
	headerLen := int(ihl) * 4
	if len(raw) < headerLen {
		return nil, nil, errors.New("truncated IPv4 options")
	}
	totalLength := binary.BigEndian.Uint16(raw[2:4])
	if int(totalLength) < headerLen {
		return nil, nil, errors.Errorf("total_length %d shorter than header %d", totalLength, headerLen)
	}

	flagsFrag := binary.BigEndian.Uint16(raw[6:8])
	h := &IPv4Header{
		IHL:           ihl,
		TotalLength:   totalLength,
		ID:            binary.BigEndian.Uint16(raw[4:6]),
		MoreFragments: flagsFrag&0x2000 != 0,
		FragOffset:    (flagsFrag & 0x1fff) * 8,
		Protocol:      raw[9],
		SrcIP:         net.IPv4(raw[12], raw[13], raw[14], raw[15]).To4(),
		DstIP:         net.IPv4(raw[16], raw[17], raw[18], raw[19]).To4(),
	}

	end := int(totalLength)
	if end > len(raw) {
		// Capture snaplen truncated the datagram; hand back what we have.
		end = len(raw)
	}
	return h, raw[headerLen:end], nil
}

// RewriteWhole patches an assembled datagram's header so it reads as a
// single, unfragmented IPv4 datagram: total_length is set to the assembled
// size and the MF flag / fragment offset are cleared.
func RewriteWhole(headerAndPayload []byte, totalLength int) {
	ihl := headerAndPayload[0] & 0x0f
	headerLen := int(ihl) * 4
	binary.BigEndian.PutUint16(headerAndPayload[2:4], uint16(totalLength))
	flagsFrag := binary.BigEndian.Uint16(headerAndPayload[6:8])
	flagsFrag &^= 0x3fff // clear MF and fragment offset, preserve DF/reserved
	binary.BigEndian.PutUint16(headerAndPayload[6:8], flagsFrag)
	_ = headerLen
}

// TCPOptions carries the options this pipeline actually negotiates on.
type TCPOptions struct {
	TimestampPresent bool
	TSVal, TSEcr     uint32

	WindowScalePresent bool
	WindowScale        uint8

	MSSPresent bool
	MSS        uint16
}

// TCPHeader is the subset of a TCP header/segment the reassembler needs.
type TCPHeader struct {
	SrcPort, DstPort           uint16
	Seq, Ack                   uint32
	SYN, ACK, FIN, RST, PSH    bool
	URG                        bool
	Window                     uint16
	UrgentPointer              uint16
	Options                    TCPOptions
	DataOffsetBytes            int
}

// DecodeTCP parses a TCP header (and options) out of raw, which must contain
// the header plus whatever payload bytes followed it in the IP datagram.
// The returned payload is raw sliced past the header.
func DecodeTCP(raw []byte) (*TCPHeader, []byte, error) {
	if len(raw) < 20 {
		return nil, nil, errors.New("truncated TCP header")
	}
	dataOffset := int(raw[12]>>4) * 4
	if dataOffset < 20 || len(raw) < dataOffset {
		return nil, nil, errors.Errorf("invalid TCP data offset %d", dataOffset)
	}
	flags := raw[13]
	h := &TCPHeader{
		SrcPort:         binary.BigEndian.Uint16(raw[0:2]),
		DstPort:         binary.BigEndian.Uint16(raw[2:4]),
		Seq:             binary.BigEndian.Uint32(raw[4:8]),
		Ack:             binary.BigEndian.Uint32(raw[8:12]),
		URG:             flags&0x20 != 0,
		ACK:             flags&0x10 != 0,
		PSH:             flags&0x08 != 0,
		RST:             flags&0x04 != 0,
		SYN:             flags&0x02 != 0,
		FIN:             flags&0x01 != 0,
		Window:          binary.BigEndian.Uint16(raw[14:16]),
		UrgentPointer:   binary.BigEndian.Uint16(raw[18:20]),
		DataOffsetBytes: dataOffset,
	}
	parseTCPOptions(raw[20:dataOffset], &h.Options)
	return h, raw[dataOffset:], nil
}

func parseTCPOptions(opts []byte, out *TCPOptions) {
	for i := 0; i < len(opts); {
		kind := opts[i]
		switch kind {
		case 0: // end of options
			return
		case 1: // NOP
			i++
			continue
		}
		if i+1 >= len(opts) {
			return
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			return
		}
		data := opts[i+2 : i+length]
		switch kind {
		case 2: // MSS
			if len(data) == 2 {
				out.MSSPresent = true
				out.MSS = binary.BigEndian.Uint16(data)
			}
		case 3: // Window scale
			if len(data) == 1 {
				out.WindowScalePresent = true
				out.WindowScale = data[0]
			}
		case 8: // Timestamps
			if len(data) == 8 {
				out.TimestampPresent = true
				out.TSVal = binary.BigEndian.Uint32(data[0:4])
				out.TSEcr = binary.BigEndian.Uint32(data[4:8])
			}
		}
		i += length
	}
}
