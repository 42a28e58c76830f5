package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/openmined/sealbox/internal/client"
	"github.com/spf13/cobra"
)

func newPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the password protecting the catalogue",
		Long: `Change the password protecting the catalogue.

Running sync actions are drained first. The new password is read from
SEALBOX_NEW_PASSWORD or prompted for twice.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			newPassword, err := readNewPassword()
			if err != nil {
				return err
			}

			c, err := client.New(cfg)
			if err != nil {
				return err
			}
			if err := c.ChangePassword(cmd.Context(), cfg.Password, newPassword); err != nil {
				return fmt.Errorf("password change failed, the old password is still valid: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), green("Password changed"))
			return nil
		},
	}
}

func readNewPassword() (string, error) {
	if pw := os.Getenv(envPrefix + "_NEW_PASSWORD"); pw != "" {
		return pw, nil
	}

	pw, err := promptPassword("New password: ")
	if err != nil {
		return "", err
	}
	confirm, err := promptPassword("Repeat new password: ")
	if err != nil {
		return "", err
	}
	if pw != confirm {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}
