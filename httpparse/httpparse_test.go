package httpparse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postmanlabs/flowbreak/parser"
)

func TestSimpleRequestResponse(t *testing.T) {
	s := NewFactory().NewSession()
	ts := time.Now()

	req := []byte("GET /widgets HTTP/1.1\r\nHost: example.com\r\nUser-Agent: testclient\r\n\r\n")
	n, state := s.OnData(parser.FromClient, req, ts)
	assert.Equal(t, len(req), n)
	assert.Equal(t, parser.Active, state)

	resp := []byte("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello")
	n, state = s.OnData(parser.FromServer, resp, ts.Add(time.Millisecond))
	assert.Equal(t, len(resp), n)
	require.Equal(t, parser.Done, state)

	fields := s.Breakdown()
	assert.Equal(t, "GET", fields["http_method"])
	assert.Equal(t, "/widgets", fields["http_url"])
	assert.Equal(t, "example.com", fields["http_host"])
	assert.Equal(t, 200, fields["http_status_code"])
	assert.Equal(t, "OK", fields["http_state"])
}

func TestPipeliningMatchesResponsesToRequestsInOrder(t *testing.T) {
	s := NewFactory().NewSession()
	ts := time.Now()

	req1 := []byte("GET /a HTTP/1.1\r\nHost: h\r\n\r\n")
	req2 := []byte("GET /b HTTP/1.1\r\nHost: h\r\n\r\n")
	s.OnData(parser.FromClient, req1, ts)
	s.OnData(parser.FromClient, req2, ts)

	resp1 := []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	_, state := s.OnData(parser.FromServer, resp1, ts)
	require.Equal(t, parser.Done, state)
	f1 := s.Breakdown()
	assert.Equal(t, "/a", f1["http_url"])

	resp2 := []byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
	_, state = s.OnData(parser.FromServer, resp2, ts)
	require.Equal(t, parser.Done, state)
	f2 := s.Breakdown()
	assert.Equal(t, "/b", f2["http_url"])
	assert.Equal(t, "ERROR", f2["http_state"])
}

func TestChunkedResponseBody(t *testing.T) {
	s := NewFactory().NewSession()
	ts := time.Now()

	req := []byte("GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	s.OnData(parser.FromClient, req, ts)

	resp := []byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n")
	_, state := s.OnData(parser.FromServer, resp, ts)
	require.Equal(t, parser.Done, state)

	fields := s.Breakdown()
	assert.Equal(t, "chunked", fields["http_transfer_encoding"])
	assert.Equal(t, 5, fields["http_response_body_size"])
}

func TestResponseWithNoLengthClosedByFin(t *testing.T) {
	s := NewFactory().NewSession()
	ts := time.Now()

	req := []byte("GET / HTTP/1.0\r\n\r\n")
	s.OnData(parser.FromClient, req, ts)

	resp := []byte("HTTP/1.0 200 OK\r\n\r\nbody without length")
	_, state := s.OnData(parser.FromServer, resp, ts)
	assert.Equal(t, parser.Active, state)

	state = s.OnFin(parser.FromServer, ts.Add(time.Millisecond))
	require.Equal(t, parser.Done, state)
	fields := s.Breakdown()
	assert.Equal(t, "OK", fields["http_state"])
}

func TestResetDuringResponseHeaderIsType3(t *testing.T) {
	s := NewFactory().NewSession()
	ts := time.Now()

	req := []byte("GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	s.OnData(parser.FromClient, req, ts)
	s.OnData(parser.FromServer, []byte("HTTP/1.1 200 OK\r\n"), ts)

	s.OnReset(parser.FromServer, ts)
	fields := s.Breakdown()
	assert.Equal(t, "RESET_TYPE3", fields["http_state"])
}

func TestResetWithNoOutstandingRequestIsType4(t *testing.T) {
	s := NewFactory().NewSession()
	ts := time.Now()

	s.OnReset(parser.FromClient, ts)
	fields := s.Breakdown()
	assert.Equal(t, "RESET_TYPE4", fields["http_state"])
}
