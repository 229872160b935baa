// Package cli implements the botkitd command line.
package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vinayprograms/botkit/config"
	"github.com/vinayprograms/botkit/logging"
)

var (
	cfgFile string
	v       = config.NewViper()

	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main with the ldflags values.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "botkitd",
		Short:         "Supervise rate-limited bot workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("BOTKIT_CONFIG"), "config file (TOML)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	_ = config.BindFlag(v, "log.level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newServeCmd(), newCheckCmd(), newVersionCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// loadConfig reads the config file and applies env and flag overrides.
func loadConfig(vp *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Apply(&cfg, vp); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *logging.Logger {
	logger := logging.New()
	logger.SetLevel(cfg.LogLevel())
	return logger
}
