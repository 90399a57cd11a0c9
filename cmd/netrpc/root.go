package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"netrpc/config"
	"netrpc/registry"
)

type globalFlags struct {
	registryEndpoints []string
	registryPrefix    string
	logLevel          string
	codec             string
}

var (
	flags  globalFlags
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "netrpc",
	Short: "RPC over framed TCP with etcd discovery",
	Long: `netrpc serves and calls services over length-prefixed TCP frames.

Options come from NETRPC_* environment variables first; flags given on the
command line override them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadFromEnv()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err = newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringSliceVar(&flags.registryEndpoints, "registry", nil, "etcd endpoints (default from NETRPC_REGISTRY_ENDPOINTS)")
	pf.StringVar(&flags.registryPrefix, "registry-prefix", "", "etcd key prefix")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug|info|warn|error")
	pf.StringVar(&flags.codec, "codec", "", "json|binary")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)
}

// applyFlags copies the flags the user actually set over cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("registry") {
		cfg.RegistryEndpoints = flags.registryEndpoints
	}
	if set("registry-prefix") {
		cfg.RegistryPrefix = flags.registryPrefix
	}
	if set("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if set("codec") {
		cfg.Codec = flags.codec
	}
	applyServeFlags(cmd, cfg)
	applyCallFlags(cmd, cfg)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	zc.Encoding = "console"
	return zc.Build()
}

func newEtcdRegistry() (*registry.EtcdRegistry, error) {
	return registry.NewEtcdRegistry(cfg.RegistryEndpoints,
		registry.WithPrefix(cfg.RegistryPrefix),
		registry.WithLogger(logger),
	)
}
