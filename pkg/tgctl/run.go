package tgctl

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/report"
	"github.com/takehaya/tgctl/pkg/scenario"
	"go.uber.org/zap"
)

// Outcome says where a finished run went besides Out.
type Outcome struct {
	Result     *report.Result
	File       string
	ObjectKey  string
	HistoryKey string
}

// RunScenario loads name with the optional YAML at configPath, connects
// what it needs, runs it and delivers the result: report on Out, then the
// file, the S3 object and the history entry when enabled.
func (t *Tgctl) RunScenario(ctx context.Context, name, configPath string) (Outcome, error) {
	def, err := scenario.Lookup(name)
	if err != nil {
		return Outcome{}, err
	}
	return t.run(ctx, def, configPath, func(env *scenario.Env) (scenario.Scenario, error) {
		return scenario.Load(name, configPath, env)
	})
}

// Ping runs the ping scenario from its defaults with the given target,
// count, interval and interface. Zero values keep the defaults.
func (t *Tgctl) Ping(ctx context.Context, iface, target string, count int, interval time.Duration) (Outcome, error) {
	def, err := scenario.Lookup("ping")
	if err != nil {
		return Outcome{}, err
	}
	v := def.Config()
	if err := config.Load("", v); err != nil {
		return Outcome{}, err
	}
	cfg := v.(*scenario.PingConfig)
	if iface != "" {
		cfg.Port.Interface = iface
	}
	if target != "" {
		cfg.Target = target
	}
	if count > 0 {
		cfg.Count = count
	}
	if interval > 0 {
		cfg.Interval = interval
	}
	if err := cfg.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("scenario ping: %w", err)
	}
	return t.run(ctx, def, "", func(env *scenario.Env) (scenario.Scenario, error) {
		return def.New(env, cfg), nil
	})
}

func (t *Tgctl) run(ctx context.Context, def scenario.Definition, configPath string, build func(*scenario.Env) (scenario.Scenario, error)) (Outcome, error) {
	format, err := report.ParseFormat(t.cfg.Format)
	if err != nil {
		return Outcome{}, err
	}

	env := &scenario.Env{
		Log:      t.Logger,
		Out:      t.Out,
		Plugins:  t.PluginManager,
		Interval: t.cfg.Interval,
	}
	if def.NeedsServer {
		if env.Server, err = t.Server(ctx); err != nil {
			return Outcome{}, err
		}
	}
	if def.NeedsMeetingPoint {
		if env.MeetingPoint, err = t.MeetingPoint(ctx); err != nil {
			return Outcome{}, err
		}
	}

	s, err := build(env)
	if err != nil {
		return Outcome{}, err
	}
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}
	t.Logger.Info("scenario started", zap.String("scenario", def.Name), zap.String("config", configPath))
	res, err := scenario.Run(ctx, s, t.Logger)
	if err != nil {
		return Outcome{}, fmt.Errorf("scenario %s: %w", def.Name, err)
	}
	t.Logger.Info("scenario finished", zap.String("scenario", def.Name), zap.Duration("duration", res.Duration()))
	return t.deliver(ctx, res, format)
}

func (t *Tgctl) deliver(ctx context.Context, res *report.Result, format report.Format) (Outcome, error) {
	out := Outcome{Result: res}
	if err := report.Write(t.Out, res, format); err != nil {
		return out, err
	}

	switch {
	case t.cfg.OutputFile != "":
		out.File = t.cfg.OutputFile
	case t.cfg.Save:
		out.File = filepath.Join(t.cfg.Env.OutputDir,
			fmt.Sprintf("%s-%s.%s", res.Scenario, res.Started.Format("20060102-150405"), format.Ext()))
	}
	if out.File != "" {
		if err := report.WriteFile(out.File, res, format); err != nil {
			return out, err
		}
		t.Logger.Info("result written", zap.String("file", out.File))
	}

	if t.cfg.Upload {
		u, err := t.Uploader()
		if err != nil {
			return out, err
		}
		if out.ObjectKey, err = u.Upload(ctx, res, format); err != nil {
			return out, err
		}
	}

	if t.cfg.Store {
		h, err := t.History()
		if err != nil {
			return out, err
		}
		if out.HistoryKey, err = h.Put(res); err != nil {
			return out, err
		}
		t.Logger.Debug("result stored", zap.String("key", out.HistoryKey))
	}
	return out, nil
}
