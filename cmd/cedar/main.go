package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alexhholmes/cedar"
	"github.com/alexhholmes/cedar/logger"
)

var (
	configPath string
	dups       bool
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "cedar",
		Short:        "Inspect and edit cedar environments",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "environment config file (TOML)")
	rootCmd.PersistentFlags().BoolVar(&dups, "dups", false, "create databases with sorted duplicates")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log environment events to stderr")

	rootCmd.AddCommand(
		newDumpCommand(),
		newGetCommand(),
		newPutCommand(),
		newCountCommand(),
		newStatCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openEnv opens dir with the config file and logger from the flags. The
// returned func closes the environment and flushes the logger.
func openEnv(dir string, readOnly bool) (*cedar.Environment, func(), error) {
	var opts []cedar.EnvOption
	if configPath != "" {
		cfg, err := cedar.LoadConfig(configPath)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, cedar.WithConfig(cfg))
	}
	if readOnly {
		opts = append(opts, cedar.WithReadOnly())
	}

	var zl *zap.Logger
	if verbose {
		var err error
		if zl, err = zap.NewDevelopment(); err != nil {
			return nil, nil, err
		}
		opts = append(opts, cedar.WithLogger(logger.NewZap(zl)))
	}

	env, err := cedar.Open(dir, opts...)
	if err != nil {
		return nil, nil, err
	}
	return env, func() {
		if err := env.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "close:", err)
		}
		if zl != nil {
			_ = zl.Sync()
		}
	}, nil
}

func openDB(env *cedar.Environment, name string, create bool) (*cedar.Database, error) {
	return env.OpenDatabase(nil, name, &cedar.DatabaseConfig{
		AllowCreate:       create,
		SortedDuplicates:  dups,
		UseExistingConfig: !create || !dups,
		Transactional:     true,
	})
}
