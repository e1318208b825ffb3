package poll

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery(t *testing.T) {
	var seen []int
	err := Every(context.Background(), time.Millisecond, 3, func(_ context.Context, i int) error {
		seen = append(seen, i)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestEveryStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Every(context.Background(), time.Millisecond, 5, func(context.Context, int) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestEveryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Every(ctx, time.Hour, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUntil(t *testing.T) {
	n := 0
	err := Until(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		n++
		return n == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	err = Until(context.Background(), time.Millisecond, 5*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSleep(t *testing.T) {
	start := time.Now()
	require.NoError(t, SleepUntil(context.Background(), start.Add(5*time.Millisecond)))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, Sleep(ctx, time.Hour))
	assert.NoError(t, Sleep(context.Background(), 0))
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.Rate("rx", 1234567, 125000000, time.Second)
	assert.Equal(t, "rx: 1,234,567 packets, 1,000.00 Mbps\n", buf.String())
	assert.Equal(t, "12,345", p.Sprintf("%d", 12345))
}
