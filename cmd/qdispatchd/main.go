// Command qdispatchd serves the book lookup handler and publishes test
// requests.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/qdispatch/internal/runtime/config"
	loggingpkg "github.com/drblury/qdispatch/internal/runtime/logging"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:          "qdispatchd",
		Short:        "Dispatch queue requests to handlers and publish their responses",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Env file loaded before reading the environment")

	rootCmd.AddCommand(newServeCommand(&envFile), newPublishCommand(&envFile))
	return rootCmd
}

// loadConfig reads the env file and the environment. A missing env file is
// reported on stderr and otherwise ignored.
func loadConfig(envFile string) (*configpkg.Config, error) {
	loaded, err := configpkg.LoadEnvFile(envFile)
	if err != nil {
		return nil, err
	}
	if !loaded && envFile != "" {
		fmt.Fprintf(os.Stderr, "env file %s not found, using the process environment\n", envFile)
	}
	return configpkg.Load("")
}

func newLogger(conf *configpkg.Config) (loggingpkg.ServiceLogger, error) {
	level, err := loggingpkg.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	handler := loggingpkg.NewConsoleHandler(os.Stderr, &loggingpkg.ConsoleOptions{
		Level:   level,
		NoColor: conf.LogNoColor,
	})
	return loggingpkg.NewSlogServiceLogger(slog.New(handler)), nil
}
