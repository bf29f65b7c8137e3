package tagnet

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the corresponding Config field is
// unset. Explicit settings always win over the environment.
const (
	EnvProgressMode      = "TAGNET_PROGRESS_MODE"
	EnvDelayedSubmission = "TAGNET_ENABLE_DELAYED_SUBMISSION"
	EnvNotifier          = "TAGNET_ENABLE_NOTIFIER"
)

// Config contains construction options for an ApplicationContext. The zero
// value defers every setting to the environment, then to defaults.
type Config struct {
	// ProgressMode is one of "thread", "thread-polling" or "polling".
	// Default is "thread".
	ProgressMode string `yaml:"progress_mode"`

	// EnableDelayedSubmission defers posting of transport operations to the
	// next progress tick. Default is true.
	EnableDelayedSubmission *bool `yaml:"enable_delayed_submission"`

	// EnableNotifier runs a context-owned notifier goroutine delivering
	// completions to the default scheduler. Requires a thread progress mode;
	// otherwise it is disabled with a warning. Default is false.
	EnableNotifier *bool `yaml:"enable_notifier"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrConfiguration, path, err)
	}

	return cfg, nil
}

// resolveProgressMode applies the explicit > environment > default chain and
// validates the result.
func resolveProgressMode(explicit string) (ProgressMode, error) {
	mode := explicit
	if mode == "" {
		mode = os.Getenv(EnvProgressMode)
	}
	if mode == "" {
		mode = string(ProgressThread)
	}

	switch ProgressMode(mode) {
	case ProgressThread, ProgressThreadPolling, ProgressPolling:
		return ProgressMode(mode), nil
	default:
		return "", fmt.Errorf("%w: unknown progress mode %q, valid modes are: "+
			"'thread', 'thread-polling' or 'polling'", ErrConfiguration, mode)
	}
}

// resolveBool applies the explicit > environment > default chain for flag
// settings. In the environment, "0" means false and any other non-empty
// value means true.
func resolveBool(explicit *bool, env string, def bool) bool {
	if explicit != nil {
		return *explicit
	}
	if v, ok := os.LookupEnv(env); ok {
		return v != "0"
	}

	return def
}
