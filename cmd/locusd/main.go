package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	plog "github.com/phuslu/log"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nuha.dev/locus/internal/config"
)

type rootOptions struct {
	configFile string
	logLevel   string
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:           "locusd",
		Short:         "locusd - location acquisition daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return readConfig(v, opts)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), v)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "overrides log.level")
	cmd.Flags().String("http-addr", "", "overrides http.addr")
	cmd.Flags().String("device-addr", "", "overrides device.addr")
	v.BindPFlag("http.addr", cmd.Flags().Lookup("http-addr"))
	v.BindPFlag("device.addr", cmd.Flags().Lookup("device-addr"))

	cmd.AddCommand(newConfigCommand(v))
	cmd.AddCommand(newMigrateCommand(v))
	return cmd
}

func readConfig(v *viper.Viper, opts *rootOptions) error {
	if opts.configFile != "" {
		v.SetConfigFile(opts.configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", opts.configFile, err)
		}
	}
	if opts.logLevel != "" {
		v.Set("log.level", opts.logLevel)
	}
	return nil
}

// newConfigCommand prints the effective configuration and exits.
func newConfigCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := config.LoadHost(v)
			if err != nil {
				return err
			}
			loc, err := config.Load(v)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{"host": host, "location": loc})
		},
	}
}

// setupLogging configures the global zerolog logger and the phuslu logger
// used by the device feed and the Postgres store.
func setupLogging(h config.Host) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(h.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if h.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	plog.DefaultLogger.Level = plog.ParseLevel(strings.ToLower(h.LogLevel))
	if h.LogFormat == "console" {
		plog.DefaultLogger.Writer = &plog.ConsoleWriter{ColorOutput: true}
	}
	return log.Logger
}
