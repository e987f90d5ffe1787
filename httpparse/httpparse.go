// Package httpparse implements the HTTP/1.x protocol-parser contract
// (spec.md §4.5): incremental request/response framing with FIFO
// pipelining, folded into breakdown fields on each response completion.
package httpparse

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/postmanlabs/flowbreak/parser"
	"github.com/postmanlabs/flowbreak/registry"
)

// detailState tracks where one request/response pair is in its lifecycle.
type detailState int

const (
	stateInit detailState = iota
	stateReqHeaderBegin
	stateReqHeaderComplete
	stateReqBodyBegin
	stateReqBodyComplete
	stateRspHeaderBegin
	stateRspHeaderComplete
	stateRspBodyBegin
	stateRspBodyComplete
	stateResetType1
	stateResetType2
	stateResetType3
	stateResetType4
)

// detail is one in-flight request/response node. applyRequestHeader and
// applyResponseHeader recognize the exact set spec.md §4.5 calls out;
// anything else is skipped.
type detail struct {
	state detailState

	method, url, host           string
	userAgent, referer          string
	accept, acceptLanguage      string
	acceptEncoding              string
	xForwardedFor, reqConn      string
	reqVersion, respVersion     string
	contentType, contentDisp    string
	transferEncoding, respConn  string
	statusCode                  int

	reqHeaderSize, reqBodySize   int
	respHeaderSize, respBodySize int

	reqTime, respTimeBegin, respTimeEnd time.Time

	reqContentLength  int
	haveReqLength     bool
	respContentLength int
	haveRespLength    bool
	chunkedResponse   bool
}

func newDetail(ts time.Time) *detail {
	return &detail{state: stateReqHeaderBegin, reqTime: ts}
}

func (d *detail) breakdownState() string {
	switch {
	case d.state == stateResetType1:
		return "RESET_TYPE1"
	case d.state == stateResetType2:
		return "RESET_TYPE2"
	case d.state == stateResetType3:
		return "RESET_TYPE3"
	case d.state == stateResetType4:
		return "RESET_TYPE4"
	case d.statusCode/100 == 1, d.statusCode/100 == 2, d.statusCode/100 == 3:
		return "OK"
	default:
		return "ERROR"
	}
}

func (d *detail) toFields() map[string]interface{} {
	m := map[string]interface{}{
		"http_state":                d.breakdownState(),
		"http_method":               d.method,
		"http_url":                  d.url,
		"http_host":                 d.host,
		"http_user_agent":           d.userAgent,
		"http_referer":              d.referer,
		"http_accept":               d.accept,
		"http_accept_language":      d.acceptLanguage,
		"http_accept_encoding":      d.acceptEncoding,
		"http_x_forwarded_for":      d.xForwardedFor,
		"http_request_connection":   d.reqConn,
		"http_request_version":      d.reqVersion,
		"http_response_version":     d.respVersion,
		"http_content_type":         d.contentType,
		"http_content_disposition":  d.contentDisp,
		"http_transfer_encoding":    d.transferEncoding,
		"http_response_connection":  d.respConn,
		"http_status_code":          d.statusCode,
		"http_request_header_size":  d.reqHeaderSize,
		"http_request_body_size":    d.reqBodySize,
		"http_response_header_size": d.respHeaderSize,
		"http_response_body_size":   d.respBodySize,
	}
	if !d.reqTime.IsZero() && !d.respTimeBegin.IsZero() {
		m["http_response_latency"] = d.respTimeBegin.Sub(d.reqTime).Milliseconds()
	}
	if !d.respTimeBegin.IsZero() && !d.respTimeEnd.IsZero() {
		m["http_download_latency"] = d.respTimeEnd.Sub(d.respTimeBegin).Milliseconds()
	}
	return m
}

// Factory builds Sessions for services registered under registry.ProtocolHTTP.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) Name() string { return string(registry.ProtocolHTTP) }

func (f *Factory) NewSession() parser.Session {
	return &Session{}
}

// Session is the per-connection HTTP/1.x state: a FIFO of detail nodes plus
// the body-framing position of each direction. Bytes of an incomplete header
// or status line are not stored here; OnData leaves them unconsumed so they
// are offered again with the next bytes.
type Session struct {
	pending []*detail

	reqBodyRemaining  int
	rspBodyRemaining  int
	reqInBody         bool
	rspInBody         bool

	rspAwaitingChunkSize bool
	rspInChunk           bool
	rspAwaitingChunkCRLF bool
	rspChunkRemaining    int

	rspUntilFin bool // body with no length and no chunking, ended by server FIN

	lastCompleted *detail
}

func (s *Session) OnEstablished(ts time.Time) {}

func (s *Session) OnUrgent(dir parser.Direction, b byte, ts time.Time) {}

func (s *Session) OnReset(dir parser.Direction, ts time.Time) {
	var head *detail
	if len(s.pending) > 0 {
		head = s.pending[0]
		s.pending = s.pending[1:]
	} else {
		head = newDetail(ts)
		head.state = stateResetType4
		s.lastCompleted = head
		return
	}
	switch head.state {
	case stateReqHeaderBegin, stateReqHeaderComplete, stateReqBodyBegin:
		head.state = stateResetType1
	case stateReqBodyComplete:
		head.state = stateResetType2
	case stateRspHeaderBegin, stateRspHeaderComplete, stateRspBodyBegin:
		head.state = stateResetType3
	default:
		head.state = stateResetType4
	}
	s.lastCompleted = head
}

func (s *Session) OnFin(dir parser.Direction, ts time.Time) parser.SessionState {
	if dir != parser.FromServer || len(s.pending) == 0 {
		return parser.Active
	}
	head := s.pending[0]
	if head.state == stateRspBodyBegin && !head.chunkedResponse && !head.haveRespLength {
		head.state = stateRspBodyComplete
		head.respTimeEnd = ts
		s.rspUntilFin = false
		s.lastCompleted = head
		s.pending = s.pending[1:]
		return parser.Done
	}
	return parser.Active
}

func (s *Session) OnData(dir parser.Direction, data []byte, ts time.Time) (int, parser.SessionState) {
	if dir == parser.FromClient {
		return s.onRequestData(data, ts)
	}
	return s.onResponseData(data, ts)
}

func (s *Session) onRequestData(data []byte, ts time.Time) (int, parser.SessionState) {
	total := 0
	for len(data) > 0 {
		if s.reqInBody {
			n := s.consumeReqBody(data, ts)
			total += n
			data = data[n:]
			if n == 0 {
				break
			}
			continue
		}
		idx := bytes.Index(data, []byte("\r\n"))
		if idx < 0 {
			if len(data) > 8192 {
				// Pathological header line; resync by dropping it.
				return total + len(data), parser.Active
			}
			break
		}
		line := data[:idx]
		consumed := idx + 2
		data = data[consumed:]
		total += consumed

		var head *detail
		if len(s.pending) == 0 || s.pending[len(s.pending)-1].state >= stateReqBodyComplete {
			head = newDetail(ts)
			s.pending = append(s.pending, head)
		} else {
			head = s.pending[len(s.pending)-1]
		}
		head.reqHeaderSize += consumed

		if head.state == stateReqHeaderBegin && head.method == "" {
			parseRequestLine(head, string(line))
			continue
		}
		if len(line) == 0 {
			head.state = stateReqHeaderComplete
			if head.haveReqLength && head.reqContentLength > 0 {
				head.state = stateReqBodyBegin
				s.reqInBody = true
				s.reqBodyRemaining = head.reqContentLength
			} else {
				head.state = stateReqBodyComplete
			}
			continue
		}
		applyRequestHeader(head, string(line))
	}
	return total, parser.Active
}

func (s *Session) consumeReqBody(data []byte, ts time.Time) int {
	head := s.pending[len(s.pending)-1]
	n := len(data)
	if n > s.reqBodyRemaining {
		n = s.reqBodyRemaining
	}
	head.reqBodySize += n
	s.reqBodyRemaining -= n
	if s.reqBodyRemaining == 0 {
		s.reqInBody = false
		head.state = stateReqBodyComplete
	}
	return n
}

func (s *Session) onResponseData(data []byte, ts time.Time) (int, parser.SessionState) {
	total := 0
	state := parser.Active
	for len(data) > 0 {
		if s.rspUntilFin && len(s.pending) > 0 {
			s.pending[0].respBodySize += len(data)
			total += len(data)
			break
		}
		if s.rspInBody {
			n, done := s.consumeRspBody(data, ts)
			total += n
			data = data[n:]
			if done {
				state = parser.Done
			}
			if n == 0 {
				break
			}
			continue
		}
		if s.rspAwaitingChunkSize || s.rspInChunk || s.rspAwaitingChunkCRLF {
			n, done, progressed := s.consumeChunkedBody(data, ts)
			total += n
			data = data[n:]
			if done {
				state = parser.Done
			}
			if !progressed {
				break
			}
			continue
		}
		if len(s.pending) == 0 {
			break
		}
		idx := bytes.Index(data, []byte("\r\n"))
		if idx < 0 {
			break
		}
		line := data[:idx]
		consumed := idx + 2
		data = data[consumed:]
		total += consumed

		head := s.pending[0]
		head.respHeaderSize += consumed

		if head.respTimeBegin.IsZero() {
			head.respTimeBegin = ts
			head.state = stateRspHeaderBegin
			parseStatusLine(head, string(line))
			continue
		}
		if len(line) == 0 {
			head.state = stateRspHeaderComplete
			switch {
			case head.chunkedResponse:
				head.state = stateRspBodyBegin
				s.rspAwaitingChunkSize = true
			case head.haveRespLength && head.respContentLength > 0:
				head.state = stateRspBodyBegin
				s.rspInBody = true
				s.rspBodyRemaining = head.respContentLength
			case !head.haveRespLength && head.statusCode >= 200 && head.statusCode != 204 && head.statusCode != 304:
				head.state = stateRspBodyBegin
				s.rspUntilFin = true
			default:
				head.respTimeEnd = ts
				state = s.completeHead(ts)
			}
			continue
		}
		applyResponseHeader(head, string(line))
	}
	return total, state
}

func (s *Session) consumeRspBody(data []byte, ts time.Time) (int, bool) {
	head := s.pending[0]
	n := len(data)
	if n > s.rspBodyRemaining {
		n = s.rspBodyRemaining
	}
	head.respBodySize += n
	s.rspBodyRemaining -= n
	if s.rspBodyRemaining == 0 {
		s.rspInBody = false
		head.state = stateRspBodyComplete
		head.respTimeEnd = ts
		s.completeHead(ts)
		return n, true
	}
	return n, false
}

// consumeChunkedBody advances one step of chunked-transfer decoding.
// progressed is false when data doesn't yet contain a full chunk-size line,
// chunk body, or trailing CRLF -- the caller should wait for more bytes.
func (s *Session) consumeChunkedBody(data []byte, ts time.Time) (n int, done bool, progressed bool) {
	head := s.pending[0]

	if s.rspAwaitingChunkSize {
		idx := bytes.Index(data, []byte("\r\n"))
		if idx < 0 {
			return 0, false, false
		}
		sizeLine := string(bytes.TrimSpace(data[:idx]))
		if semi := strings.IndexByte(sizeLine, ';'); semi >= 0 {
			sizeLine = sizeLine[:semi]
		}
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		consumed := idx + 2
		if err != nil {
			// Unparsable chunk size: abandon chunked decoding for this body.
			head.respTimeEnd = ts
			s.rspAwaitingChunkSize = false
			return consumed, s.completeHead(ts) == parser.Done, true
		}
		s.rspAwaitingChunkSize = false
		if size == 0 {
			// Final chunk; trailer headers (if any) are not modeled here.
			head.respTimeEnd = ts
			return consumed, s.completeHead(ts) == parser.Done, true
		}
		s.rspInChunk = true
		s.rspChunkRemaining = int(size)
		return consumed, false, true
	}

	if s.rspInChunk {
		n := len(data)
		if n > s.rspChunkRemaining {
			n = s.rspChunkRemaining
		}
		head.respBodySize += n
		s.rspChunkRemaining -= n
		if s.rspChunkRemaining == 0 {
			s.rspInChunk = false
			s.rspAwaitingChunkCRLF = true
		}
		return n, false, n > 0
	}

	// s.rspAwaitingChunkCRLF
	if len(data) < 2 {
		return 0, false, false
	}
	s.rspAwaitingChunkCRLF = false
	s.rspAwaitingChunkSize = true
	return 2, false, true
}

func (s *Session) completeHead(ts time.Time) parser.SessionState {
	if len(s.pending) == 0 {
		return parser.Active
	}
	s.lastCompleted = s.pending[0]
	s.pending = s.pending[1:]
	return parser.Done
}

// Breakdown returns the most recently completed detail's fields. tcpreasm only
// calls this right after OnData/OnFin reported Done, so the just-completed
// node is tracked separately from pending.
func (s *Session) Breakdown() map[string]interface{} {
	if s.lastCompleted == nil {
		return map[string]interface{}{}
	}
	f := s.lastCompleted.toFields()
	s.lastCompleted = nil
	return f
}
