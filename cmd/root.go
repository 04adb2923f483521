// Package cmd implements the mqttproto command line client.
package cmd

import (
	"fmt"
	"os"

	"github.com/hlindberg/mqttproto/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// LogLevel is the logrus level name to run with (panic, fatal, error, warn, info, debug, trace).
var LogLevel string

// RootCmd is the base command every subcommand attaches to.
var RootCmd = &cobra.Command{
	Use:   "mqttproto",
	Short: "mqttproto is a MQTT 3.1.1 client for publishing and subscribing",
	Long: `mqttproto is a MQTT 3.1.1 client.

It connects to a broker over TCP and can publish or subscribe
at any of the three QoS levels, including retry-on-reconnect for messages
left inflight by a dropped connection.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetLevelFromName(LogLevel)
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVarP(&LogLevel, "log_level", "", "warn", "log level: panic, fatal, error, warn, info, debug, trace")
	viper.SetEnvPrefix("MQTTPROTO")
	viper.AutomaticEnv()
}

func initConfig() {
	viper.SetConfigName(".mqttproto")
	viper.AddConfigPath("$HOME")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "error reading config file: %s\n", err)
		}
	}
}

// Execute runs the root command, exiting the process with status 1 on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
