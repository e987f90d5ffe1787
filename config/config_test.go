package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postmanlabs/flowbreak/registry"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultConnectionTableCapacity, c.ConnectionTableCapacity)
	assert.Equal(t, DefaultFragmentTTLSeconds, c.FragmentTTLSeconds)
	assert.Equal(t, DefaultCloseTimeoutSeconds, c.CloseTimeoutSeconds)
	assert.Equal(t, DefaultWorkerCount, c.WorkerCount)
	assert.True(t, IsStdoutSink(c.SinkPath))
	assert.Empty(t, c.Services)
}

func TestLoadParsesServiceFlags(t *testing.T) {
	c, err := Load([]string{
		"--service", "10.0.0.1:80:http",
		"--service", "10.0.0.1:3306:mysql",
		"--workers", "8",
	})
	require.NoError(t, err)
	require.Len(t, c.Services, 2)
	assert.Equal(t, ServiceSpec{IP: "10.0.0.1", Port: 80, Protocol: "http"}, c.Services[0])
	assert.Equal(t, 8, c.WorkerCount)
}

func TestLoadRejectsMalformedServiceEntry(t *testing.T) {
	_, err := Load([]string{"--service", "not-a-valid-entry"})
	assert.Error(t, err)
}

func TestBuildRegistryResolvesEntries(t *testing.T) {
	c, err := Load([]string{"--service", "127.0.0.1:80:http"})
	require.NoError(t, err)

	entries, err := c.BuildRegistry()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, registry.ProtocolHTTP, entries[0].Protocol)
	assert.Equal(t, uint16(80), entries[0].Port)
}

func TestBuildRegistryRejectsUnknownProtocol(t *testing.T) {
	c, err := Load([]string{"--service", "127.0.0.1:80:carrier-pigeon"})
	require.NoError(t, err)

	_, err = c.BuildRegistry()
	assert.Error(t, err)
}

func TestBuildRegistryRejectsBadIP(t *testing.T) {
	c, err := Load([]string{"--service", "not-an-ip:80:http"})
	require.NoError(t, err)

	_, err = c.BuildRegistry()
	assert.Error(t, err)
}

func TestParseInterfaceList(t *testing.T) {
	assert.Equal(t, []string{"eth0", "eth1"}, ParseInterfaceList("eth0, eth1"))
	assert.Nil(t, ParseInterfaceList(""))
}
