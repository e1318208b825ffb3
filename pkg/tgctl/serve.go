package tgctl

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/takehaya/tgctl/pkg/simulator"
	"go.uber.org/zap"
)

// ServeSimulator runs the in-memory appliance described by the YAML at
// configPath, the default lab when empty, on listen until ctx ends. ready
// is called with the bound address once the API accepts connections.
func (t *Tgctl) ServeSimulator(ctx context.Context, listen, configPath string, ready func(addr string)) error {
	cfg, err := simulator.LoadConfig(configPath)
	if err != nil {
		return err
	}
	e, err := simulator.NewEngine(cfg, t.Logger.Named("simulator"))
	if err != nil {
		return err
	}
	defer e.Close()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	hs := &http.Server{
		Handler:           simulator.NewServer(e, t.Logger.Named("api")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	t.Logger.Info("simulator listening",
		zap.String("listen", ln.Addr().String()),
		zap.String("version", cfg.Version),
		zap.Int("interfaces", len(cfg.Interfaces)),
		zap.Int("devices", len(cfg.Devices)))
	if ready != nil {
		ready(ln.Addr().String())
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		return err
	}
	t.Logger.Info("simulator stopped")
	return nil
}
