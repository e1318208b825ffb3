package exporter

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/tgctl/pkg/client"
	"github.com/takehaya/tgctl/pkg/frame"
	"github.com/takehaya/tgctl/pkg/simulator"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestExporter(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	eng, err := simulator.NewEngine(simulator.NewConfig(), zap.NewNop(), simulator.WithClock(clk.Now))
	require.NoError(t, err)
	ts := httptest.NewServer(simulator.NewServer(eng, zap.NewNop()).Handler())
	defer ts.Close()

	mon, err := client.Connect(ctx, ts.URL, client.WithUser("exporter"))
	require.NoError(t, err)
	defer mon.Close(ctx)
	exp, err := New(ctx, mon, "lab", zap.NewNop())
	require.NoError(t, err)

	alice, err := client.Connect(ctx, ts.URL, client.WithUser("alice"))
	require.NoError(t, err)
	defer alice.Close(ctx)
	tx, err := alice.PortCreate(ctx, "nontrunk-1")
	require.NoError(t, err)
	require.NoError(t, tx.SetIPv4(ctx, "10.10.0.2", "255.255.255.0", "10.10.0.1"))
	src, _ := net.ParseMAC(tx.MAC())
	data, err := frame.UDP{
		SrcMAC: src, DstMAC: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		SrcIP: net.ParseIP("10.10.0.2"), DstIP: net.ParseIP("10.10.0.255"),
		SrcPort: 4096, DstPort: 4096, Size: 100,
	}.Bytes()
	require.NoError(t, err)
	s, err := tx.TxStreamAdd(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetNumberOfFrames(ctx, 10))
	require.NoError(t, s.AddFrame(ctx, data, false))
	require.NoError(t, s.Start(ctx))
	clk.Add(time.Second)

	require.NoError(t, exp.Refresh(ctx))
	assert.Equal(t, 2.0, testutil.ToFloat64(exp.users.WithLabelValues("lab", "nontrunk-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.users.WithLabelValues("lab", "trunk-1-4")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(exp.bytes.WithLabelValues("lab", "nontrunk-1")))

	samples := exp.Samples()
	require.Len(t, samples, 6)
	assert.Equal(t, Sample{Interface: "nontrunk-1", Users: 2, Bytes: 1000, Delta: 1000}, samples[0])

	require.NoError(t, exp.Refresh(ctx))
	assert.Equal(t, 1000.0, testutil.ToFloat64(exp.bytes.WithLabelValues("lab", "nontrunk-1")), "only new bytes are added")
	assert.Equal(t, uint64(0), exp.Samples()[0].Delta)

	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `tgctl_server_interface_bytes_total{address="lab",interface="nontrunk-1"} 1000`)
	assert.Contains(t, string(body), "tgctl_server_api_users")

	require.NoError(t, exp.Close(ctx))
	users, err := alice.Users(ctx)
	require.NoError(t, err)
	for _, u := range users {
		assert.NotEqual(t, "trunk-1-4", u.Interface, "exporter ports are gone")
	}
}
