package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/FranksOps/echo/internal/config"
)

// rootOptions is shared by every subcommand. cfg and logger are populated
// before any RunE executes.
type rootOptions struct {
	configFile string
	envFiles   []string

	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{v: config.New()}

	cmd := &cobra.Command{
		Use:           "echo",
		Short:         "Find out what people think about something",
		Long:          "echo resolves a natural-language question into a search, queries Reddit and Twitter, and ranks what it finds.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.load()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&o.configFile, "config", "", "YAML config file")
	pf.StringSliceVar(&o.envFiles, "env-file", nil, "env files to load (default .env)")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-format", "", "text or json")
	_ = o.v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = o.v.BindPFlag("log.format", pf.Lookup("log-format"))

	cmd.AddCommand(newQueryCmd(o))
	cmd.AddCommand(newServeCmd(o))
	cmd.AddCommand(newCacheCmd(o))
	return cmd
}

func (o *rootOptions) load() error {
	config.LoadDotEnv(slog.Default(), o.envFiles...)

	cfg, err := config.Load(o.v, o.configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(o.logger)
	return nil
}
