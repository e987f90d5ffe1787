package mysqlparse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postmanlabs/flowbreak/parser"
)

func packet(seqID byte, payload []byte) []byte {
	n := len(payload)
	hdr := []byte{byte(n), byte(n >> 8), byte(n >> 16), seqID}
	return append(hdr, payload...)
}

func serverGreeting() []byte {
	payload := []byte{10} // protocol version 10
	payload = append(payload, []byte("8.0.30")...)
	payload = append(payload, 0x00) // NUL terminator
	payload = append(payload, 7, 0, 0, 0)             // connection id
	payload = append(payload, []byte("AUTHDATA")...)  // 8-byte auth-plugin-data-1
	payload = append(payload, 0x00)                   // filler
	payload = append(payload, 0xFF, 0xFF)             // capability flags lower
	payload = append(payload, 0x21)                   // charset
	payload = append(payload, 0x02, 0x00)             // status flags
	payload = append(payload, 0x01, 0x00)             // capability flags upper
	return payload
}

func clientHandshakeResponse(user string) []byte {
	payload := make([]byte, 32)
	caps := uint32(capClientProtocol41)
	payload[0] = byte(caps)
	payload[1] = byte(caps >> 8)
	payload[2] = byte(caps >> 16)
	payload[3] = byte(caps >> 24)
	payload = append(payload, []byte(user)...)
	payload = append(payload, 0x00)
	return payload
}

func doHandshake(t *testing.T, s *Session) {
	t.Helper()
	ts := time.Now()
	n, _ := s.OnData(parser.FromServer, packet(0, serverGreeting()), ts)
	require.Greater(t, n, 0)
	n, _ = s.OnData(parser.FromClient, packet(1, clientHandshakeResponse("app")), ts)
	require.Greater(t, n, 0)
	n, _ = s.OnData(parser.FromServer, packet(2, []byte{respOK, 0x00, 0x00}), ts)
	require.Greater(t, n, 0)
	require.Equal(t, stateSleep, s.state)
}

func TestHandshakeParsesSharedInfo(t *testing.T) {
	s := NewFactory().NewSession().(*Session)
	doHandshake(t, s)
	assert.Equal(t, "8.0.30", s.shared.serverVer)
	assert.Equal(t, "app", s.shared.userName)
	assert.True(t, s.shared.cliProtoV41)
}

func TestSimpleQueryWithResultSet(t *testing.T) {
	s := NewFactory().NewSession().(*Session)
	doHandshake(t, s)
	ts := time.Now()

	query := append([]byte{comQuery}, []byte("SELECT id FROM widgets")...)
	s.OnData(parser.FromClient, packet(0, query), ts)
	assert.Equal(t, stateTxtRS, s.state)

	s.OnData(parser.FromServer, packet(1, []byte{0x01}), ts) // column count = 1
	assert.Equal(t, stateTxtField, s.state)

	s.OnData(parser.FromServer, packet(2, []byte("fake-field-def")), ts)
	s.OnData(parser.FromServer, packet(3, []byte{respEOF, 0x00, 0x00, 0x22, 0x00}), ts)
	assert.Equal(t, stateTxtRow, s.state)

	s.OnData(parser.FromServer, packet(4, []byte{0x01, '1'}), ts)
	s.OnData(parser.FromServer, packet(5, []byte{0x01, '2'}), ts)
	_, state := s.OnData(parser.FromServer, packet(6, []byte{respEOF, 0x00, 0x00, 0x22, 0x00}), ts.Add(time.Millisecond))
	require.Equal(t, parser.Done, state)

	fields := s.Breakdown()
	assert.Equal(t, "COM_QUERY", fields["mysql_command"])
	assert.Equal(t, "SELECT id FROM widgets", fields["mysql_query"])
	assert.Equal(t, "COM_QUERY schema:SELECT id FROM widgets", fields["mysql_request_statement"])
	assert.Equal(t, "OK", fields["mysql_state"])
	assert.Equal(t, 2, fields["mysql_rows_returned"])
	assert.Equal(t, 1, fields["mysql_columns"])
	assert.Equal(t, "app", fields["mysql_user_name"])
	assert.NotZero(t, fields["mysql_request_size"])
	assert.NotZero(t, fields["mysql_response_size"])
}

func TestSimpleQueryMatchesSpecScenario(t *testing.T) {
	s := NewFactory().NewSession().(*Session)
	doHandshake(t, s)
	ts := time.Now()

	query := append([]byte{comQuery}, []byte("SELECT 1")...)
	s.OnData(parser.FromClient, packet(0, query), ts)

	s.OnData(parser.FromServer, packet(1, []byte{0x01}), ts.Add(time.Millisecond)) // column count = 1
	s.OnData(parser.FromServer, packet(2, []byte("fake-field-def")), ts.Add(time.Millisecond))
	s.OnData(parser.FromServer, packet(3, []byte{respEOF, 0x00, 0x00, 0x22, 0x00}), ts.Add(time.Millisecond))
	s.OnData(parser.FromServer, packet(4, []byte{0x01, '1'}), ts.Add(time.Millisecond))
	_, state := s.OnData(parser.FromServer, packet(5, []byte{respEOF, 0x00, 0x00, 0x22, 0x00}), ts.Add(time.Millisecond))
	require.Equal(t, parser.Done, state)

	fields := s.Breakdown()
	assert.Equal(t, "OK", fields["mysql_state"])
	assert.Equal(t, "COM_QUERY schema:SELECT 1", fields["mysql_request_statement"])
	assert.NotZero(t, fields["mysql_response_size"])
	assert.NotZero(t, fields["mysql_response_latency"])
	assert.Equal(t, uint32(7), fields["mysql_connection_id"])
}

func TestQueryWithNoResultSetEmitsOK(t *testing.T) {
	s := NewFactory().NewSession().(*Session)
	doHandshake(t, s)
	ts := time.Now()

	query := append([]byte{comQuery}, []byte("INSERT INTO widgets VALUES (1)")...)
	s.OnData(parser.FromClient, packet(0, query), ts)

	_, state := s.OnData(parser.FromServer, packet(1, []byte{respOK, 0x01, 0x00, 0x02, 0x00, 0x00}), ts)
	require.Equal(t, parser.Done, state)

	fields := s.Breakdown()
	assert.Equal(t, "OK", fields["mysql_state"])
	assert.Equal(t, uint64(1), fields["mysql_rows_affected"])
}

func TestQueryErrorEmitsErrorFields(t *testing.T) {
	s := NewFactory().NewSession().(*Session)
	doHandshake(t, s)
	ts := time.Now()

	query := append([]byte{comQuery}, []byte("SELECT bogus")...)
	s.OnData(parser.FromClient, packet(0, query), ts)

	errPayload := append([]byte{respERR, 0x2A, 0x04, '#'}, []byte("42S22no such column")...)
	_, state := s.OnData(parser.FromServer, packet(1, errPayload), ts)
	require.Equal(t, parser.Done, state)

	fields := s.Breakdown()
	assert.Equal(t, "ERROR", fields["mysql_state"])
	assert.Equal(t, "no such column", fields["mysql_error_message"])
	assert.Equal(t, "42S22", fields["mysql_sql_state"])
}

func TestPingProducesNoBreakdown(t *testing.T) {
	s := NewFactory().NewSession().(*Session)
	doHandshake(t, s)
	ts := time.Now()

	s.OnData(parser.FromClient, packet(0, []byte{comPing}), ts)
	_, state := s.OnData(parser.FromServer, packet(1, []byte{respOK, 0x00, 0x00}), ts)
	assert.Equal(t, parser.Active, state)
}

func TestResetDuringRequestBeginIsType1(t *testing.T) {
	s := NewFactory().NewSession().(*Session)
	doHandshake(t, s)
	ts := time.Now()

	query := append([]byte{comQuery}, []byte("SELECT 1")...)
	s.OnData(parser.FromClient, packet(0, query), ts)

	s.OnReset(parser.FromClient, ts)
	fields := s.Breakdown()
	assert.Equal(t, "RESET_TYPE1", fields["mysql_state"])
}

func TestLengthEncodedIntegers(t *testing.T) {
	v, n := readLenEncInt([]byte{0x05}, 0)
	assert.Equal(t, uint64(5), v)
	assert.Equal(t, 1, n)

	v, n = readLenEncInt([]byte{0xFC, 0x01, 0x02}, 0)
	assert.Equal(t, uint64(0x0201), v)
	assert.Equal(t, 3, n)

	v, n = readLenEncInt([]byte{0xFD, 0x01, 0x02, 0x03}, 0)
	assert.Equal(t, uint64(0x030201), v)
	assert.Equal(t, 4, n)
}

func clientHandshakeResponseCompressed(user string) []byte {
	caps := capClientProtocol41 | capClientCompress
	payload := make([]byte, 32)
	payload[0] = byte(caps)
	payload[1] = byte(caps >> 8)
	payload[2] = byte(caps >> 16)
	payload[3] = byte(caps >> 24)
	payload = append(payload, []byte(user)...)
	payload = append(payload, 0x00)
	return payload
}

func compressedFrame(seqID byte, plain []byte) []byte {
	hdr := []byte{byte(len(plain)), byte(len(plain) >> 8), byte(len(plain) >> 16), seqID, 0, 0, 0}
	return append(hdr, plain...)
}

func TestCompressionNegotiatedAfterHandshakeOK(t *testing.T) {
	s := NewFactory().NewSession().(*Session)
	ts := time.Now()

	n, _ := s.OnData(parser.FromServer, packet(0, serverGreeting()), ts)
	require.Greater(t, n, 0)
	n, _ = s.OnData(parser.FromClient, packet(1, clientHandshakeResponseCompressed("app")), ts)
	require.Greater(t, n, 0)
	assert.True(t, s.shared.doCompress)

	n, _ = s.OnData(parser.FromServer, packet(2, []byte{respOK, 0x00, 0x00}), ts)
	require.Greater(t, n, 0)
	assert.True(t, s.compressionActive)

	query := append([]byte{comQuery}, []byte("SELECT 1")...)
	frame := compressedFrame(0, packet(0, query))
	n, state := s.OnData(parser.FromClient, frame, ts)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, parser.Active, state)
	assert.Equal(t, stateTxtRS, s.state)
}

func TestExtractCompressedFrameUncompressedPassthrough(t *testing.T) {
	plain := packet(0, []byte{comPing})
	frame := compressedFrame(1, plain)

	out, n, ok := extractCompressedFrame(frame)
	require.True(t, ok)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, plain, out)
}

func TestExtractCompressedFrameIncompleteReturnsNotOK(t *testing.T) {
	frame := compressedFrame(1, packet(0, []byte{comPing}))
	_, _, ok := extractCompressedFrame(frame[:len(frame)-1])
	assert.False(t, ok)
}
