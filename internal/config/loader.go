package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader handles loading configuration from attack documents, tool settings
// files, and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// attackDocument mirrors the YAML attack file layout.
type attackDocument struct {
	Metadata   Metadata                `yaml:"metadata"`
	Target     Target                  `yaml:"target"`
	Entrypoint entrypointSection       `yaml:"entrypoint"`
	States     map[string]*AttackState `yaml:"states"`
	Tracing    TracingConfig           `yaml:"tracing"`
}

type entrypointSection struct {
	State string `yaml:"state"`
}

// Load parses command-line arguments, the attack document, and the optional
// tool settings file to produce a Config.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	positional := flagSet.Args()
	if len(positional) == 0 {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}
	attackFile := positional[0]

	cfg := &Config{
		Variables:  map[string]string{},
		Timeout:    30 * time.Second,
		AttackFile: attackFile,
	}

	if err := loadAttackDocument(cfg, attackFile); err != nil {
		return nil, err
	}

	if err := applySettingsFile(cfg, flagSet.Lookup("settings").Value.String()); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadAttackDocument parses the YAML attack definition into the config.
func loadAttackDocument(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("attack file: %w", err)
	}

	var doc attackDocument
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return fmt.Errorf("attack file %s: %w", path, err)
	}

	cfg.Metadata = doc.Metadata
	cfg.Target = doc.Target
	cfg.Entrypoint = strings.TrimSpace(doc.Entrypoint.State)
	cfg.States = doc.States
	cfg.Tracing = doc.Tracing

	for name, state := range cfg.States {
		if state == nil {
			state = &AttackState{}
			cfg.States[name] = state
		}
		state.Name = name
	}

	return nil
}

// applySettingsFile merges tool-level defaults (tracing, timeout) from an
// optional settings file read through viper. Attack semantics never live
// here; only ambient tool configuration does.
func applySettingsFile(cfg *Config, path string) error {
	v := viper.New()
	v.SetEnvPrefix("GATECRASH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("settings file: %w", err)
		}
	}

	if v.IsSet("timeout") {
		cfg.Timeout = v.GetDuration("timeout")
	}
	if v.IsSet("json_output") {
		cfg.JSONOutput = v.GetBool("json_output")
	}
	if v.IsSet("tracing") {
		var tc TracingConfig
		if err := v.UnmarshalKey("tracing", &tc); err != nil {
			return fmt.Errorf("settings file: tracing: %w", err)
		}
		cfg.Tracing = tc
	}

	return nil
}

// applyFlagOverrides layers explicitly set CLI flags on top of file settings.
func applyFlagOverrides(cfg *Config, flags *pflag.FlagSet) error {
	var parseErr error

	flags.Visit(func(f *pflag.Flag) {
		if parseErr != nil {
			return
		}
		switch f.Name {
		case "threads":
			n, _ := flags.GetInt("threads")
			overrideThreads(cfg, n)
		case "host":
			cfg.Target.Host, _ = flags.GetString("host")
		case "port":
			cfg.Target.Port, _ = flags.GetInt("port")
		case "insecure":
			cfg.Target.Insecure, _ = flags.GetBool("insecure")
		case "timeout":
			cfg.Timeout, _ = flags.GetDuration("timeout")
		case "json-output":
			cfg.JSONOutput, _ = flags.GetBool("json-output")
		case "verbose":
			cfg.Verbose, _ = flags.GetBool("verbose")
		case "var":
			pairs, _ := flags.GetStringSlice("var")
			for _, pair := range pairs {
				key, value, found := strings.Cut(pair, "=")
				if !found || strings.TrimSpace(key) == "" {
					parseErr = fmt.Errorf("--var %q: expected key=value", pair)
					return
				}
				cfg.Variables[strings.TrimSpace(key)] = value
			}
		case "trace-endpoint":
			cfg.Tracing.Endpoint, _ = flags.GetString("trace-endpoint")
		case "trace-protocol":
			cfg.Tracing.Protocol, _ = flags.GetString("trace-protocol")
		case "trace-insecure":
			cfg.Tracing.Insecure, _ = flags.GetBool("trace-insecure")
		case "trace-sample-rate":
			cfg.Tracing.SampleRate, _ = flags.GetFloat64("trace-sample-rate")
		case "trace-propagate":
			cfg.Tracing.Propagate, _ = flags.GetBool("trace-propagate")
		}
	})

	return parseErr
}

// overrideThreads applies a CLI thread-count override to every legacy-form
// race state. Groups-form states keep their declared counts; the override is
// a convenience for the flat form only.
func overrideThreads(cfg *Config, threads int) {
	if threads <= 0 {
		return
	}
	for _, state := range cfg.States {
		if state.Race != nil && !state.Race.UsesGroups() {
			state.Race.Threads = threads
		}
	}
}
