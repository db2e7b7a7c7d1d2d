package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/csai/fleetdash/internal/config"
	"github.com/csai/fleetdash/internal/observability"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

type rootOptions struct {
	configFile string
	logLevel   string
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "fleetdash",
		Short:         "Discover, monitor and chat with assistant service instances",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", os.Getenv("FLEETDASH_CONFIG_FILE"), "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newDiscoverCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newExportCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// load reads the config and builds the service graph. Serve logs to stdout
// like any daemon; one-shot commands log to stderr so their output stays
// machine readable.
func (o *rootOptions) load(cmd *cobra.Command, daemon bool) (*App, error) {
	cfg, err := config.LoadFrom(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Observability.LogLevel = o.logLevel
	}
	if cfg.Server.Version == "" || cfg.Server.Version == "dev" {
		cfg.Server.Version = Version
	}
	logger := observability.NewLoggerTo(cmd.ErrOrStderr(), cfg.Observability.LogLevel)
	if daemon {
		logger = observability.NewLogger(cfg.Observability.LogLevel)
	}
	return Build(cfg, logger)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("fleetdash version %s\n", Version)
		},
	}
}
