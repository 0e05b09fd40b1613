package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "KLYR_"

// envOverrides lists the settings that may come from the environment,
// e.g. KLYR_LOGGING__LEVEL=debug or KLYR_GRASSHOPPER__LIBRARY=/opt/gh.so.
type envOverrides struct {
	Server struct {
		Listen string `koanf:"listen"`
	} `koanf:"server"`
	Admin struct {
		Enabled *bool  `koanf:"enabled"`
		Listen  string `koanf:"listen"`
	} `koanf:"admin"`
	Grasshopper struct {
		Library string `koanf:"library"`
		OnError string `koanf:"onerror"`
	} `koanf:"grasshopper"`
	Logging struct {
		Level         string `koanf:"level"`
		Format        string `koanf:"format"`
		DecisionLog   string `koanf:"decisionlog"`
		DecisionStore string `koanf:"decisionstore"`
	} `koanf:"logging"`
	Metrics struct {
		Enabled *bool  `koanf:"enabled"`
		Listen  string `koanf:"listen"`
	} `koanf:"metrics"`
	Tracing struct {
		Enabled *bool `koanf:"enabled"`
	} `koanf:"tracing"`
}

// ApplyEnv overlays environment variables carrying prefix onto cfg.
func ApplyEnv(cfg *Config, prefix string) error {
	k := koanf.New(".")
	if err := k.Load(env.Provider(prefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, prefix)), "__", ".")
	}), nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	var o envOverrides
	if err := k.Unmarshal("", &o); err != nil {
		return fmt.Errorf("decode env: %w", err)
	}

	setString(&cfg.Server.Listen, o.Server.Listen)
	setBool(&cfg.Admin.Enabled, o.Admin.Enabled)
	setString(&cfg.Admin.Listen, o.Admin.Listen)
	setString(&cfg.Grasshopper.Library, o.Grasshopper.Library)
	setString(&cfg.Grasshopper.OnError, o.Grasshopper.OnError)
	setString(&cfg.Logging.Level, o.Logging.Level)
	setString(&cfg.Logging.Format, o.Logging.Format)
	setString(&cfg.Logging.DecisionLog, o.Logging.DecisionLog)
	setString(&cfg.Logging.DecisionStore, o.Logging.DecisionStore)
	setBool(&cfg.Metrics.Enabled, o.Metrics.Enabled)
	setString(&cfg.Metrics.Listen, o.Metrics.Listen)
	setBool(&cfg.Tracing.Enabled, o.Tracing.Enabled)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
