// Package poll holds the refresh loops scenarios run while traffic flows.
package poll

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/text/message"
)

// ErrTimeout is returned by Until when the condition never held.
var ErrTimeout = fmt.Errorf("poll: timed out")

// Every calls fn once per interval, iterations times. The first call happens
// after one interval. A ctx cancellation stops the loop with ctx.Err().
func Every(ctx context.Context, interval time.Duration, iterations int, fn func(ctx context.Context, i int) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < iterations; i++ {
		select {
		case <-ticker.C:
			if err := fn(ctx, i); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Until evaluates cond every interval until it returns true or timeout
// elapses. cond is evaluated once right away.
func Until(ctx context.Context, interval, timeout time.Duration, cond func(ctx context.Context) (bool, error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SleepUntil blocks until deadline or ctx cancellation.
func SleepUntil(ctx context.Context, deadline time.Time) error {
	return Sleep(ctx, time.Until(deadline))
}

func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Printer prints live counters with thousands separators.
type Printer struct {
	w io.Writer
	p *message.Printer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, p: message.NewPrinter(message.MatchLanguage("en"))}
}

func (p *Printer) Printf(format string, args ...interface{}) {
	p.p.Fprintf(p.w, format, args...)
}

// Sprintf formats without writing.
func (p *Printer) Sprintf(format string, args ...interface{}) string {
	return p.p.Sprintf(format, args...)
}

// Rate prints one interval sample the way a live counter line looks.
func (p *Printer) Rate(label string, packets, bytes uint64, interval time.Duration) {
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}
	p.Printf("%s: %d packets, %.2f Mbps\n", label, packets, float64(bytes*8)/secs/1e6)
}
