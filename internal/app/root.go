// Package app wires the mailsync commands.
package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Martian-dev/assist-mailsync/internal/config"
	"github.com/Martian-dev/assist-mailsync/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mailsync",
	Short: "Mailbox sync and realtime notification service",
	Long: "Syncs provider mailboxes on webhook pushes, stores messages and threads, " +
		"and streams change events to dashboard clients over SSE and WebSocket",
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("database.url", "mailsync.db", "postgres:// URL or SQLite file path")
	rootCmd.PersistentFlags().String("log.level", "info", "log level")
	rootCmd.PersistentFlags().String("log.format", "text", "log format: text or json")
	rootCmd.PersistentFlags().String("nats.url", "", "NATS URL for multi-instance event relay")

	for _, key := range []string{"database.url", "log.level", "log.format", "nats.url"} {
		viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key))
	}
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/mailsync")
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format), nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
