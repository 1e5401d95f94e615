package main

import (
	"fmt"
	"os"

	festivechat "github.com/festiveguest/chat-sdk-go"
)

// getClient creates a chat client from the stored credentials.
func getClient() *festivechat.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" || cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'festivechat login <user-id> <auth-token>' first.")
		os.Exit(1)
	}

	var opts []festivechat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, festivechat.WithBaseURL(cfg.Default.BaseURL))
	}

	store := festivechat.StaticSession{ID: cfg.Auth.UserID, Token: cfg.Auth.Token}
	return festivechat.NewClient(store, opts...)
}

// maskKey hides the middle of a credential for display.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// valueOrDefault returns value, or fallback when value is empty.
func valueOrDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
