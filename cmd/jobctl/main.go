// jobctl is the operator CLI for the job store: it seeds service descriptors,
// inspects jobs and replays create/update triggers.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "jobctl",
	Short:        "Operate the jobflow job store",
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		slog.SetDefault(buildLogger(viper.GetString("log_level")))
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./jobctl.yaml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level: debug | info | warn | error")
	rootCmd.PersistentFlags().String("store", "memory", "store driver: memory | redis | postgres")
	bindFlag("log_level", rootCmd.PersistentFlags(), "log-level")
	bindFlag("store_driver", rootCmd.PersistentFlags(), "store")

	rootCmd.AddCommand(newSeedCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newTriggerCmd())
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName("jobctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.jobflow")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
		return
	}
	fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	exportEnv()
}

// exportEnv copies keys from the config file into the environment so the
// store and job packages, which read their settings from the environment,
// see them. Variables already set win.
func exportEnv() {
	for _, key := range viper.AllKeys() {
		name := strings.ToUpper(key)
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		if value := viper.GetString(key); value != "" {
			_ = os.Setenv(name, value)
		}
	}
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", "jobctl"))
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
