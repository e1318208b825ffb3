// Package scenario holds the example flows. Every scenario connects to a
// server or meeting point, provisions ports, configures a flow, runs it
// while polling counters and finally reports and cleans up.
package scenario

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/takehaya/tgctl/pkg/client"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/plugin"
	"github.com/takehaya/tgctl/pkg/report"
	"go.uber.org/zap"
)

// Scenario is one configured flow. Cleanup must be safe after a failed or
// partial Run.
type Scenario interface {
	Name() string
	Run(ctx context.Context) (*report.Result, error)
	Cleanup(ctx context.Context) error
}

// Env is what a scenario gets from the process: connections, logging and
// where to print live counters.
type Env struct {
	Server       *client.Server
	MeetingPoint *client.MeetingPoint
	Log          *zap.Logger
	Out          io.Writer
	Plugins      *plugin.Manager

	// Interval is the polling period of live counters.
	Interval time.Duration
}

func (e *Env) interval() time.Duration {
	if e.Interval <= 0 {
		return time.Second
	}
	return e.Interval
}

func (e *Env) server() (*client.Server, error) {
	if e.Server == nil {
		return nil, fmt.Errorf("no traffic generator server connected")
	}
	return e.Server, nil
}

func (e *Env) meetingPoint() (*client.MeetingPoint, error) {
	if e.MeetingPoint == nil {
		return nil, fmt.Errorf("no meeting point connected")
	}
	return e.MeetingPoint, nil
}

// Definition registers a scenario under its name.
type Definition struct {
	Name        string
	Description string
	// NeedsServer and NeedsMeetingPoint tell the caller what to connect.
	NeedsServer       bool
	NeedsMeetingPoint bool

	Config func() config.Validator
	New    func(env *Env, cfg config.Validator) Scenario
}

// Lookup finds a registered scenario.
func Lookup(name string) (Definition, error) {
	for _, d := range registry {
		if d.Name == name {
			return d, nil
		}
	}
	return Definition{}, fmt.Errorf("unknown scenario %q", name)
}

// All lists the registered scenarios by name.
func All() []Definition {
	out := append([]Definition(nil), registry...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Load builds a scenario from its defaults and the optional YAML file at
// path.
func Load(name, path string, env *Env) (Scenario, error) {
	d, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	cfg := d.Config()
	if err := config.Load(path, cfg); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", name, err)
	}
	return d.New(env, cfg), nil
}

// Run runs s and always cleans up afterwards. Cleanup failures are logged.
func Run(ctx context.Context, s Scenario, lg *zap.Logger) (*report.Result, error) {
	defer func() {
		// cleanup runs even when ctx is already cancelled
		if err := s.Cleanup(context.WithoutCancel(ctx)); err != nil {
			lg.Warn("scenario cleanup incomplete", zap.String("scenario", s.Name()), zap.Error(err))
		}
	}()
	return s.Run(ctx)
}
