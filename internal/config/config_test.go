package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bit2swaz/afetmesh/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "lan", c.Radio.Kind)
	assert.Equal(t, 9000, c.Radio.Port)
	assert.Equal(t, []int{9000, 9001, 9002, 9003, 9004, 9005}, c.Radio.DiscoveryPorts)
	assert.Equal(t, 8080, c.Web.Port)
	assert.Equal(t, 5*time.Minute, c.Engine.SeenRetention)
	assert.Equal(t, filepath.Join(".afetmesh", "node.db"), c.Path("node.db"))

	ec := c.EngineConfig()
	assert.Equal(t, 3, ec.MaxFailures)
	assert.Equal(t, 10*time.Second, ec.QueuePolicy.ByKind[envelope.KindStatusPing])
	assert.Equal(t, 2*time.Minute, ec.QueuePolicy.ByKind[envelope.KindResourcePost])
	assert.Equal(t, 30*time.Second, ec.QueuePolicy.PerHop)
}

func TestFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	yaml := `
node:
  name: Zeynep
radio:
  kind: sim
  port: 9100
engine:
  heartbeat_interval: 45s
queue:
  per_hop: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("AFETMESH_RADIO_PORT", "9200")
	t.Setenv("AFETMESH_LOG_LEVEL", "debug")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Zeynep", c.Node.Name)
	assert.Equal(t, "sim", c.Radio.Kind)
	assert.Equal(t, 9200, c.Radio.Port, "environment beats the file")
	assert.Equal(t, 45*time.Second, c.Engine.HeartbeatInterval)
	assert.Equal(t, time.Minute, c.QueuePolicy().PerHop)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestValidation(t *testing.T) {
	t.Setenv("AFETMESH_RADIO_KIND", "carrier-pigeon")
	_, err := Load("")
	assert.Error(t, err)
}

func TestBadLogLevel(t *testing.T) {
	t.Setenv("AFETMESH_LOG_LEVEL", "loud")
	_, err := Load("")
	assert.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNodeLocation(t *testing.T) {
	t.Setenv("AFETMESH_NODE_LAT", "38.4192")
	t.Setenv("AFETMESH_NODE_LON", "27.1287")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, envelope.Location{Lat: 38.4192, Lon: 27.1287}, c.Location())

	t.Setenv("AFETMESH_NODE_LAT", "123")
	_, err = Load("")
	assert.ErrorIs(t, err, envelope.ErrValidation)
}
