package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nhle/mailattach/internal/credential"
	"github.com/nhle/mailattach/internal/model"
)

var (
	loginDelete  bool
	loginBaseURL string
	loginToken   string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the mail service access token in the system keyring",
	RunE:  runLogin,
}

func init() {
	loginCmd.Flags().BoolVar(&loginDelete, "delete", false, "Remove the stored token")
	loginCmd.Flags().StringVar(&loginBaseURL, "base-url", "", "Also save the mail service base URL to the config file")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Token to store instead of prompting")
}

func runLogin(cmd *cobra.Command, args []string) error {
	tokens := credential.NewKeyring(nil, cfg.Credential.TokenKey)

	if loginDelete {
		if err := tokens.Delete(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Token removed.")
		return nil
	}

	if loginBaseURL != "" {
		cfg.MailAPI.BaseURL = strings.TrimRight(loginBaseURL, "/")
		if err := model.SaveConfig(configPathFlag, cfg); err != nil {
			return err
		}
	}

	token := strings.TrimSpace(loginToken)
	if token == "" {
		err := huh.NewInput().
			Title("Mail service access token").
			EchoMode(huh.EchoModePassword).
			Value(&token).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("token cannot be empty")
				}
				return nil
			}).
			Run()
		if errors.Is(err, huh.ErrUserAborted) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading token: %w", err)
		}
		token = strings.TrimSpace(token)
	}

	if err := tokens.Set(token); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Token saved.")
	return nil
}
