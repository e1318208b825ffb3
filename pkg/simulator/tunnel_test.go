package simulator

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/tgctl/pkg/api"
)

func echoServer(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func TestTunnelForwards(t *testing.T) {
	e, _ := newTestEngine(t)
	sid, _ := e.Connect("alice")
	p, err := e.CreatePort(sid, "nontrunk-1")
	require.NoError(t, err)

	remote := echoServer(t)
	_, err = e.AddTunnel(p.ID, api.TunnelSpec{RemoteAddress: "127.0.0.1"})
	assert.True(t, api.HasCode(err, api.CodeBadRequest))

	id, err := e.AddTunnel(p.ID, api.TunnelSpec{RemoteAddress: "127.0.0.1", RemotePort: uint16(remote.Port)})
	require.NoError(t, err)
	info, err := e.StartTunnel(id)
	require.NoError(t, err)
	require.True(t, info.Running)
	_, err = e.StartTunnel(id)
	assert.True(t, api.HasCode(err, api.CodeInvalidState))

	_, listenPort, err := net.SplitHostPort(info.ListenAddr)
	require.NoError(t, err)
	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", listenPort))
	require.NoError(t, err)
	_, err = c.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, c.(*net.TCPConn).CloseWrite())
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		info, err := e.TunnelInfo(id)
		return err == nil && info.BytesFromRemote == 5
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.StopTunnel(id))
	info, err = e.TunnelInfo(id)
	require.NoError(t, err)
	assert.False(t, info.Running)
	assert.Equal(t, uint64(1), info.Connections)
	assert.Equal(t, uint64(5), info.BytesToRemote)

	require.NoError(t, e.RemoveTunnel(id))
	_, err = e.TunnelInfo(id)
	assert.True(t, api.HasCode(err, api.CodeNotFound))
}

func TestDumpWritesPcap(t *testing.T) {
	e, clock := newTestEngine(t)
	sid, _ := e.Connect("alice")
	tx := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	staticPort(t, e, sid, "nontrunk-1", "10.10.0.3", "10.10.0.1")
	stream := udpStream(t, e, tx, "10.10.0.3", 4096, 128, 10, time.Millisecond, false)
	require.NoError(t, e.StartStream(stream))

	// the dump window closes on the engine clock when the timer fires
	go func() {
		time.Sleep(20 * time.Millisecond)
		clock.Add(100 * time.Millisecond)
	}()
	var buf bytes.Buffer
	n, err := e.Dump(context.Background(), "nontrunk-1", 300*time.Millisecond, &buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())
	records := 0
	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Len(t, data, 128)
		assert.Equal(t, ci.CaptureLength, ci.Length)
		records++
	}
	assert.Equal(t, 10, records)

	_, err = e.Dump(context.Background(), "nontrunk-9", time.Millisecond, &buf)
	assert.True(t, api.HasCode(err, api.CodeNotFound))
}
