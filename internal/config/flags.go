package config

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gatecrash <attack.yaml>",
		Short:         "Race-condition exploitation engine for HTTP(S) targets",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Attack overrides
	flags.IntP("threads", "t", 0, "Override thread count for every race state (legacy form only)")
	flags.String("host", "", "Override target host")
	flags.Int("port", 0, "Override target port")
	flags.StringSlice("var", nil, "Inject a variable in key=value form (repeatable)")

	// Transport
	flags.Duration("timeout", 30*time.Second, "Per-request timeout")
	flags.Bool("insecure", false, "Skip TLS certificate verification")

	// Output
	flags.Bool("json-output", false, "Emit JSON formatted results")
	flags.BoolP("verbose", "v", false, "Log extraction warnings and per-worker failures to stderr")

	// Tool settings
	flags.String("settings", "", "Path to tool settings file (JSON or YAML)")

	// Tracing
	flags.String("trace-endpoint", "", "OTLP endpoint for trace export")
	flags.String("trace-protocol", "grpc", "OTLP protocol: 'grpc' or 'http'")
	flags.Bool("trace-insecure", false, "Disable TLS for OTLP export")
	flags.Float64("trace-sample-rate", 1.0, "Trace sampling rate between 0.0 and 1.0")
	flags.Bool("trace-propagate", false, "Inject W3C trace context headers into attack requests")
}

func displayHelp(cmd *cobra.Command) {
	_ = cmd.Help()
}
