package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and service status",
	Long:  "Display the current configuration, check the channel token expiry, and ping the chat service.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
			fmt.Printf("  Participant: %s\n", valueOrDefault(cfg.Auth.ParticipantID, "(unknown)"))
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  (not logged in)")
			return nil
		}

		// Check channel token expiry.
		tokenStatus := "unknown"
		if cfg.Auth.TokenExpires != "" {
			expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
			if err == nil {
				if time.Now().Before(expires) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
				}
			} else {
				tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
			}
		}
		fmt.Printf("  Channel token: %s\n", tokenStatus)

		// Ping the service.
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		if err := client.Health(ctx); err != nil {
			fmt.Printf("Chat service: UNHEALTHY (%v)\n", err)
			return nil
		}
		fmt.Println("Chat service: HEALTHY")
		return nil
	},
}
