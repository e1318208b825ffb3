// Package tgctl wires the command line to the appliance: it owns the
// logger, the plugin host and the connections, and runs scenarios and
// ops utilities on top of them.
package tgctl

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/takehaya/tgctl/pkg/client"
	"github.com/takehaya/tgctl/pkg/logger"
	"github.com/takehaya/tgctl/pkg/plugin"
	"github.com/takehaya/tgctl/pkg/report"
	"go.uber.org/zap"
)

type CancelFunc func(ctx context.Context) error

type Tgctl struct {
	Logger        *zap.Logger
	PluginManager *plugin.Manager
	// Out receives reports and live counters, stdout by default.
	Out io.Writer

	cleanupFnList []CancelFunc
	cfg           Config

	server       *client.Server
	meetingPoint *client.MeetingPoint
	history      *report.History
	uploader     *report.Uploader
}

func NewTgctl(ctx context.Context, cfg Config) (*Tgctl, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var cleanupFnList []CancelFunc
	lg, cleanup, err := logger.NewLogger(cfg.LoggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed init logger: %w", err)
	}
	cleanupFnList = append(cleanupFnList, cleanup)

	pm, err := plugin.NewManager(ctx, cfg.PluginPath, lg)
	if err != nil {
		return nil, fmt.Errorf("failed init plugin manager: %w", err)
	}
	cleanupFnList = append(cleanupFnList, pm.Close)

	return &Tgctl{
		Logger:        lg,
		PluginManager: pm,
		Out:           os.Stdout,
		cleanupFnList: cleanupFnList,
		cfg:           cfg,
	}, nil
}

func (t *Tgctl) clientOptions() []client.Option {
	return []client.Option{client.WithUser(t.cfg.Env.User), client.WithLogger(t.Logger)}
}

// Server connects to the traffic generator server on first use.
func (t *Tgctl) Server(ctx context.Context) (*client.Server, error) {
	if t.server != nil {
		return t.server, nil
	}
	if t.cfg.Env.Server == "" {
		return nil, fmt.Errorf("no server address, set --server or TGCTL_SERVER")
	}
	srv, err := client.Connect(ctx, t.cfg.Env.Server, t.clientOptions()...)
	if err != nil {
		return nil, err
	}
	t.Logger.Info("connected to server", zap.String("address", t.cfg.Env.Server))
	t.server = srv
	t.cleanupFnList = append(t.cleanupFnList, srv.Close)
	return srv, nil
}

// MeetingPoint connects to the meeting point on first use.
func (t *Tgctl) MeetingPoint(ctx context.Context) (*client.MeetingPoint, error) {
	if t.meetingPoint != nil {
		return t.meetingPoint, nil
	}
	if t.cfg.Env.MeetingPoint == "" {
		return nil, fmt.Errorf("no meeting point address, set --meetingpoint or TGCTL_MEETINGPOINT")
	}
	mp, err := client.ConnectMeetingPoint(ctx, t.cfg.Env.MeetingPoint, t.clientOptions()...)
	if err != nil {
		return nil, err
	}
	t.Logger.Info("connected to meeting point", zap.String("address", t.cfg.Env.MeetingPoint))
	t.meetingPoint = mp
	t.cleanupFnList = append(t.cleanupFnList, mp.Close)
	return mp, nil
}

// History opens the run history on first use.
func (t *Tgctl) History() (*report.History, error) {
	if t.history != nil {
		return t.history, nil
	}
	h, err := report.OpenHistory(t.cfg.Env.HistoryPath)
	if err != nil {
		return nil, err
	}
	t.history = h
	t.cleanupFnList = append(t.cleanupFnList, func(context.Context) error { return h.Close() })
	return h, nil
}

func (t *Tgctl) Uploader() (*report.Uploader, error) {
	if t.uploader != nil {
		return t.uploader, nil
	}
	u, err := report.NewUploader(t.cfg.Env.S3, t.Logger)
	if err != nil {
		return nil, err
	}
	t.uploader = u
	return u, nil
}

// Close releases everything in reverse order of acquisition. The logger
// is flushed last.
func (t *Tgctl) Close() {
	ctx := context.Background()
	for i := len(t.cleanupFnList) - 1; i >= 0; i-- {
		if err := t.cleanupFnList[i](ctx); err != nil {
			t.Logger.Error("failed to cleanup", zap.Error(err))
		}
	}
	t.cleanupFnList = nil
}
