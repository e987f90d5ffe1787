package sink

import (
	"bufio"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postmanlabs/flowbreak/breakdown"
	"github.com/postmanlabs/flowbreak/registry"
)

func TestJSONSinkWritesOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	s, err := Open(path)
	require.NoError(t, err)

	s.Emit(&breakdown.Record{BreakdownID: 1, Timestamp: time.Now(), Protocol: "http"})
	s.Emit(&breakdown.Record{BreakdownID: 2, Timestamp: time.Now(), Protocol: "mysql"})
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"breakdown_id":1`)
	assert.Contains(t, lines[1], `"protocol":"mysql"`)
}

func TestFanoutBroadcastsToAllEmits(t *testing.T) {
	var a, b []*breakdown.Record
	f := NewFanout(
		func(r *breakdown.Record) { a = append(a, r) },
		func(r *breakdown.Record) { b = append(b, r) },
	)
	rec := &breakdown.Record{BreakdownID: 7}
	f.Emit(rec)

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, uint64(7), a[0].BreakdownID)
	assert.Equal(t, uint64(7), b[0].BreakdownID)
}

func TestHARSinkIgnoresNonHTTPRecords(t *testing.T) {
	h := OpenHAR(filepath.Join(t.TempDir(), "out.har"))
	h.Emit(&breakdown.Record{Protocol: "mysql", ProtocolFields: map[string]interface{}{"mysql_state": "OK"}})
	// No panic, no request recorded; Close should still succeed on an empty log.
	require.NoError(t, h.Close())
}

func TestHARSinkRecordsCompletedHTTPExchange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.har")
	h := OpenHAR(path)
	h.Emit(&breakdown.Record{
		Protocol: "http",
		SvcIP:    "10.0.0.1",
		ProtocolFields: map[string]interface{}{
			"http_method":      "GET",
			"http_url":         "/index.html",
			"http_host":        "example.com",
			"http_status_code": 200,
		},
	})
	require.NoError(t, h.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestAdminServerStatsHandlerDoesNotPanic(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Replace([]registry.Entry{
		{IP: net.ParseIP("127.0.0.1"), Port: 80, Protocol: registry.ProtocolHTTP},
	}))
	a := NewAdminServer(":0", reg, func() map[string]int { return map[string]int{"connections": 3} })
	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		a.handleStats(rec, nil)
	})
	assert.Equal(t, 200, rec.Code)
}
