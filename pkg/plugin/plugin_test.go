package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(context.Background(), dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, dir
}

func TestLoadPluginMissingFile(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.LoadPlugin(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read plugin file")
	assert.Empty(t, m.ListPlugins())

	_, err = m.Generator(context.Background(), "nope", nil)
	assert.Error(t, err)
}

func TestLoadPluginWithoutExports(t *testing.T) {
	m, dir := newTestManager(t)
	// the smallest valid module: magic and version only
	empty := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.wasm"), empty, 0o644))

	err := m.LoadPlugin(context.Background(), "empty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing memory management functions")
	assert.Empty(t, m.ListPlugins())
}

func TestLoadPluginBadMetadata(t *testing.T) {
	m, dir := newTestManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.wasm"), []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644))

	err := m.LoadPlugin(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestReadMetadata(t *testing.T) {
	dir := t.TempDir()

	md, err := readMetadata(filepath.Join(dir, "missing.json"), "missing")
	require.NoError(t, err)
	assert.Equal(t, Metadata{Name: "missing", Version: "unknown"}, md)

	path := filepath.Join(dir, "udpframe.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"0.1.0","license":"MIT"}`), 0o644))
	md, err = readMetadata(path, "udpframe")
	require.NoError(t, err)
	assert.Equal(t, "udpframe", md.Name)
	assert.Equal(t, "0.1.0", md.Version)
	assert.Equal(t, "MIT", md.License)
}

func TestParseTimestamp(t *testing.T) {
	now := time.Now()
	cases := map[string]uint64{
		"seconds": uint64(now.Unix()),
		"millis":  uint64(now.UnixMilli()),
		"micros":  uint64(now.UnixMicro()),
		"nanos":   uint64(now.UnixNano()),
	}
	for name, ts := range cases {
		t.Run(name, func(t *testing.T) {
			assert.WithinDuration(t, now, parseTimestamp(ts), time.Second)
		})
	}
	assert.WithinDuration(t, time.Now(), parseTimestamp(0), time.Second)
}

func TestDecodeFrame(t *testing.T) {
	data, err := decodeFrame([]byte(`{"frame":"ffffffffffff0001"}`))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00, 0x01}, data)

	_, err = decodeFrame([]byte(`{"frame":"","error":"frame size is smaller than the headers"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smaller than the headers")

	_, err = decodeFrame([]byte(`{"frame":""}`))
	assert.ErrorContains(t, err, "empty frame")

	_, err = decodeFrame([]byte(`not json`))
	assert.ErrorContains(t, err, "unmarshal")

	_, err = decodeFrame([]byte(`{"frame":"zz"}`))
	assert.Error(t, err)
}
