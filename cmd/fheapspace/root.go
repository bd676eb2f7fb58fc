package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/garethgeorge/fheapspace/internal/fheap"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	noColor    bool

	log = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "fheapspace",
	Short: "Exercise and inspect fractal heap free-space images",
	Long: `fheapspace drives the free-space manager of a fractal heap. It can run
seeded workloads against a fresh heap and save the result as image files,
print the free sections of an image, check mirrored copies of an image and
compare the free space of two images.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: noColor}).
			Level(lvl).With().Timestamp().Logger()
		if noColor {
			color.NoColor = true
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML heap configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

// loadConfig returns the defaults unless --config names a file.
func loadConfig() (fheap.Config, error) {
	if configPath == "" {
		return fheap.DefaultConfig(), nil
	}
	return fheap.LoadConfig(configPath)
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}
