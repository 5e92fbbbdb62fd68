package cmd

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "recaptchaedge",
	Short: "reCAPTCHA firewall policies at the edge",
	Long: `recaptchaedge is a reverse proxy that sits in front of a web origin
and applies reCAPTCHA Enterprise firewall policies to every request:
allow, block, redirect to a challenge page, or rewrite the request and
inject the session script into HTML responses.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config YAML file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(sozCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("recaptchaedge v%s\n", Version)
	},
}

// newLogger builds the console logger. The --log-level flag wins over the
// configured level.
func newLogger(configured string) zerolog.Logger {
	level := configured
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().Timestamp().Str("component", "recaptchaedge").Logger()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
