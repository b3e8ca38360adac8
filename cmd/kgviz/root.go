package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kgviz",
	Short: "Knowledge graph sync backend for M-Agent",
	Long: `kgviz keeps a merged, deduplicated knowledge graph synchronized with
a directory of fact record files (*.kg_candidate.json) and streams
changes to connected observers in real time.

Configuration is resolved from flags, then KGVIZ_* environment
variables, then the config file (kgviz.yaml), then built-in defaults.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./kgviz.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "data/memory/kg_candidates/strong", "Directory containing *.kg_candidate.json files")
	rootCmd.PersistentFlags().String("history-db", ".kgviz/history.db", "Reconcile history database path (empty to disable)")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file with rotation (default: stderr)")

	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("history-db", rootCmd.PersistentFlags().Lookup("history-db"))
	_ = viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))
}

// initConfig loads the config file and environment.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("kgviz")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("KGVIZ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine; a broken one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

// logOutput returns the writer component loggers should use, honoring
// the log-file setting with size-based rotation.
func logOutput() io.Writer {
	logFile := viper.GetString("log-file")
	if logFile == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    50, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}
}
