package registry

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupMiss(t *testing.T) {
	r := New()
	_, ok := r.Lookup(net.ParseIP("10.0.0.1"), 80)
	assert.False(t, ok)
}

func TestReplaceThenLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Replace([]Entry{
		{IP: net.ParseIP("10.0.0.1"), Port: 80, Protocol: ProtocolHTTP},
		{IP: net.ParseIP("10.0.0.2"), Port: 3306, Protocol: ProtocolMySQL},
	}))

	e, ok := r.Lookup(net.ParseIP("10.0.0.1"), 80)
	require.True(t, ok)
	assert.Equal(t, ProtocolHTTP, e.Protocol)

	e, ok = r.Lookup(net.ParseIP("10.0.0.2"), 3306)
	require.True(t, ok)
	assert.Equal(t, ProtocolMySQL, e.Protocol)

	_, ok = r.Lookup(net.ParseIP("10.0.0.3"), 22)
	assert.False(t, ok)
}

func TestReplaceRejectsIncompleteEntry(t *testing.T) {
	r := New()
	err := r.Replace([]Entry{{IP: net.ParseIP("10.0.0.1")}})
	assert.Error(t, err)
}

// Readers must never observe a partially-applied Replace: every Lookup call
// concurrent with a Replace sees either the old set or the new set in full.
func TestConcurrentReadersDuringReplace(t *testing.T) {
	r := New()
	require.NoError(t, r.Replace([]Entry{{IP: net.ParseIP("10.0.0.1"), Port: 80}}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					r.Lookup(net.ParseIP("10.0.0.1"), 80)
				}
			}
		}()
	}

	for i := 0; i < 100; i++ {
		require.NoError(t, r.Replace([]Entry{{IP: net.ParseIP("10.0.0.1"), Port: 80}}))
	}
	close(stop)
	wg.Wait()
}

func TestFilterExpression(t *testing.T) {
	r := New()
	require.NoError(t, r.Replace([]Entry{{IP: net.ParseIP("10.0.0.1"), Port: 80, Protocol: ProtocolHTTP}}))
	expr := r.FilterExpression()
	assert.Contains(t, expr, "ip host 10.0.0.1")
	assert.Contains(t, expr, "tcp port 80")
	assert.Contains(t, expr, "or icmp")
}

func TestFilterExpressionEmpty(t *testing.T) {
	r := New()
	assert.Equal(t, "", r.FilterExpression())
}
