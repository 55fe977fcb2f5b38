// Package commands implements the pathtracer command line.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gogpu/pathtracer"
	"github.com/gogpu/pathtracer/internal/config"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pathtracer",
	Short: "An offline GPU path tracer",
	Long: `pathtracer renders triangle scenes on the GPU with a compute-shader
path tracer and writes the averaged radiance as an HDR or PFM image.

Settings come from flags, PATHTRACER_* environment variables and an
optional pathtracer.yaml, in that order of precedence.`,
	Version:       pathtracer.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./pathtracer.yaml)")
	rootCmd.PersistentFlags().String("log-level", config.Default().Log.Level, "log level: debug, info, warn or error")
}

// loadConfig reads the configuration with cmd's flags on top and installs
// the log handler it selects.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	pathtracer.SetLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: level,
	})))
	return cfg, nil
}
