package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oupson/flatline/internal/config"
	"github.com/oupson/flatline/internal/crypto"
)

func recordingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recording",
		Short: "Manage session recordings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "keygen",
			Short: "Print a new key for FLATLINE_RECORDING_KEY",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := crypto.GenerateKey()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			},
		},
		&cobra.Command{
			Use:   "decrypt <file.cast.fernet>",
			Short: "Write a decrypted recording to stdout",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := config.Cfg.RecordingFernetKey()
				if err != nil {
					return err
				}
				if key == nil {
					return errors.New("FLATLINE_RECORDING_KEY is not set")
				}
				token, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				cast, err := crypto.Decrypt(key, token)
				if err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				_, err = cmd.OutOrStdout().Write(cast)
				return err
			},
		},
	)
	return cmd
}
