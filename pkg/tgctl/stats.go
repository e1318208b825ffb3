package tgctl

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/takehaya/tgctl/pkg/exporter"
	"golang.org/x/text/message"
	"go.uber.org/zap"
)

// Overview keeps a counter on every interface of the server, prints the
// per interface rate every period and, when listen is set, serves the
// counters on /metrics until ctx ends.
func (t *Tgctl) Overview(ctx context.Context, listen string, period time.Duration) error {
	srv, err := t.Server(ctx)
	if err != nil {
		return err
	}
	if period <= 0 {
		period = exporter.DefaultPeriod
	}
	exp, err := exporter.New(ctx, srv, t.cfg.Env.Server, t.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := exp.Close(context.WithoutCancel(ctx)); err != nil {
			t.Logger.Error("failed to cleanup", zap.Error(err))
		}
	}()

	if listen != "" {
		r := mux.NewRouter()
		r.Handle("/metrics", exp.Handler()).Methods(http.MethodGet)
		hs := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
		ln, err := net.Listen("tcp", listen)
		if err != nil {
			return err
		}
		t.Logger.Info("serving metrics", zap.String("listen", ln.Addr().String()))
		go func() {
			if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.Logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = hs.Shutdown(sctx)
		}()
	}

	p := message.NewPrinter(message.MatchLanguage("en"))
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := exp.Refresh(ctx); err != nil {
				t.Logger.Warn("refresh failed", zap.Error(err))
				continue
			}
			for _, s := range exp.Samples() {
				p.Fprintf(t.Out, "%s: %d users, %d bytes, %.2f Mbps\n",
					s.Interface, s.Users, s.Bytes, float64(s.Delta*8)/period.Seconds()/1e6)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
