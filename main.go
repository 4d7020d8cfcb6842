package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oupson/flatline/internal/config"
)

func main() {
	var logFile string

	root := &cobra.Command{
		Use:           "flatline",
		Short:         "flatline: remote shells on a local pseudo-terminal",
		Long:          "Connects to SSH servers with the keys in your agent and relays the remote shell through a local PTY.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(); err != nil {
				return err
			}
			return setupLogging(logFile)
		},
	}
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs here instead of <data dir>/flatline.log (\"-\" for stderr)")

	root.AddCommand(
		connectCmd(),
		hostsCmd(),
		auditCmd(),
		recordingCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "flatline: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging sends the standard logger to a file. Writing log lines to the
// terminal would corrupt the raw-mode display.
func setupLogging(path string) error {
	if path == "-" {
		log.SetOutput(os.Stderr)
		return nil
	}
	if path == "" {
		dir, err := config.Cfg.DataDir()
		if err != nil {
			log.SetOutput(io.Discard)
			return nil
		}
		path = filepath.Join(dir, "flatline.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(f)
	return nil
}
