package ops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/takehaya/tgctl/pkg/client"
	"go.uber.org/zap"
)

// Dump records the traffic an interface receives for d into a pcap file at
// path and returns the number of frames written.
func Dump(ctx context.Context, srv *client.Server, iface string, d time.Duration, path string, lg *zap.Logger) (n int, err error) {
	if d <= 0 {
		return 0, fmt.Errorf("dump duration must be positive")
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	lg.Info("dump started", zap.String("interface", iface), zap.Duration("duration", d), zap.String("file", path))
	n, err = srv.PacketDump(ctx, iface, d, f)
	if err != nil {
		return n, err
	}
	lg.Info("dump written", zap.String("file", path), zap.Int("frames", n))
	return n, nil
}
