// Package config loads process settings from the environment and scenario
// settings from YAML files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable, e.g. TGCTL_SERVER.
const EnvPrefix = "TGCTL"

type Env struct {
	Server       string `envconfig:"SERVER" default:"127.0.0.1:8080"`
	MeetingPoint string `envconfig:"MEETINGPOINT"`
	User         string `envconfig:"USER" default:"tgctl"`
	OutputDir    string `envconfig:"OUTPUT_DIR" default:"."`
	HistoryPath  string `envconfig:"HISTORY_PATH" default:".tgctl-history"`
	OUIBaseURL   string `envconfig:"OUI_URL" default:"https://www.macvendorlookup.com/api/v2"`
	UpdateURL    string `envconfig:"UPDATE_URL" default:"https://setup.byteblower.com/versions.xml"`
	S3           S3
}

// S3 locates the bucket results are uploaded to. Its variables read as
// TGCTL_S3_ENDPOINT and so on.
type S3 struct {
	Endpoint  string `envconfig:"ENDPOINT"`
	AccessKey string `envconfig:"ACCESS_KEY"`
	SecretKey string `envconfig:"SECRET_KEY"`
	Bucket    string `envconfig:"BUCKET" default:"tgctl-results"`
	Region    string `envconfig:"REGION"`
	UseSSL    bool   `envconfig:"USE_SSL" default:"true"`
}

func (s S3) Enabled() bool { return s.Endpoint != "" }

// LoadEnv reads the optional dotenv files, then the TGCTL_ variables.
// Variables already set in the environment win over dotenv values.
func LoadEnv(files ...string) (Env, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Env{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return Env{}, fmt.Errorf("read environment: %w", err)
	}
	return env, env.Validate()
}

func (e *Env) Validate() error {
	if e.S3.Enabled() && (e.S3.AccessKey == "" || e.S3.SecretKey == "") {
		return fmt.Errorf("S3 upload needs TGCTL_S3_ACCESS_KEY and TGCTL_S3_SECRET_KEY")
	}
	return nil
}

// Validator is a config struct that can check itself.
type Validator interface {
	Validate() error
}

// Load fills v with its default tags, decodes the YAML file at path on top
// and validates the result. An empty path keeps the defaults.
func Load(path string, v Validator) error {
	defaults.SetDefaults(v)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := Decode(data, v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return v.Validate()
}

// Decode applies YAML data on top of v.
func Decode(data []byte, v interface{}) error {
	if err := yaml.Unmarshal(data, v); err != nil {
		return err
	}
	return nil
}
