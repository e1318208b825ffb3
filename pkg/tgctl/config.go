package tgctl

import (
	"fmt"
	"time"

	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/logger"
	"github.com/takehaya/tgctl/pkg/report"
)

type Config struct {
	LoggerConfig logger.Config
	Env          config.Env

	// From For CLI Flags
	PluginPath string
	Format     string
	OutputFile string
	Save       bool
	Upload     bool
	Store      bool
	Interval   time.Duration
	Timeout    time.Duration
}

func (c *Config) Validate() error {
	if _, err := report.ParseFormat(c.Format); err != nil {
		return err
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.Upload && !c.Env.S3.Enabled() {
		return fmt.Errorf("upload needs TGCTL_S3_ENDPOINT")
	}
	if c.OutputFile != "" && c.Save {
		return fmt.Errorf("output file and save are exclusive")
	}
	return c.Env.Validate()
}
