package main

import (
	"context"
	"fmt"
	"time"

	festivechat "github.com/festiveguest/chat-sdk-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id> <auth-token>",
	Short: "Store credentials and verify them against the chat service",
	Long:  "Store the platform user id and auth token in ~/.festivechat/config.toml,\nthen issue a channel credential to verify they work.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, token := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.UserID = userID
		cfg.Auth.Token = token

		var opts []festivechat.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, festivechat.WithBaseURL(cfg.Default.BaseURL))
		}
		client := festivechat.NewClient(festivechat.StaticSession{ID: userID, Token: token}, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cred, err := client.IssueChannelToken(ctx)
		if err != nil {
			return fmt.Errorf("credential check failed: %w", err)
		}

		cfg.Auth.ParticipantID = cred.ParticipantID
		cfg.Auth.TokenExpires = cred.ExpiresAt

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  User ID:     %s\n", userID)
		fmt.Printf("  Participant: %s\n", cred.ParticipantID)
		if cred.ExpiresAt != "" {
			fmt.Printf("  Channel token expires: %s\n", cred.ExpiresAt)
		}
		return nil
	},
}
