package oui

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLookup(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/00:ff:0a:0a:00:01":
			_, _ = w.Write([]byte(`{"result":{"company":"Excentis NV"}}`))
		case "/00:ff:0a:0a:00:02":
			_, _ = w.Write([]byte(`{"vendor":"Excentis NV"}`))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer ts.Close()

	ctx := context.Background()
	r := New(ts.URL, zap.NewNop())

	v, err := r.Lookup(ctx, "00:FF:0A:0A:00:01")
	require.NoError(t, err)
	assert.Equal(t, "Excentis NV", v)
	v, err = r.Lookup(ctx, "00-ff-0a-0a-00-01")
	require.NoError(t, err)
	assert.Equal(t, "Excentis NV", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "second lookup is served from the cache")

	_, err = r.Lookup(ctx, "00:ff:0a:0a:00:02")
	assert.ErrorIs(t, err, ErrAPIChanged)
	assert.Equal(t, "MAC lookup API changed", r.Vendor(ctx, "00:ff:0a:0a:00:02"))

	assert.Equal(t, "Unable to lookup MAC address", r.Vendor(ctx, "00:ff:0a:0a:00:03"))

	_, err = r.Lookup(ctx, "banana")
	assert.Error(t, err)
}

func TestLookupUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	r := New(url, zap.NewNop())
	_, err := r.Lookup(context.Background(), "00:ff:0a:0a:00:01")
	assert.ErrorIs(t, err, ErrUnavailable)
}
