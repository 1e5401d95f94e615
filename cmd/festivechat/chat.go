package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	festivechat "github.com/festiveguest/chat-sdk-go"
	"github.com/spf13/cobra"
)

var historyLimit int

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Show only the last N messages")
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(chatCmd)
}

// ============================================================================
// threads
// ============================================================================

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List chat threads with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		threads, err := client.ListThreads(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(threads) == 0 {
			fmt.Println("No threads found.")
			return nil
		}

		for _, th := range threads {
			unread := ""
			if th.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", th.UnreadCount)
			}
			fmt.Printf("  %s  %s%s\n", th.ID, th.OtherUserID, unread)
			if th.LastMessage != "" {
				fmt.Printf("      %s  %s\n", th.LastMessageAt, th.LastMessage)
			}
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Show the message history with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		messages, err := client.LoadHistoryWith(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if historyLimit > 0 && len(messages) > historyLimit {
			messages = messages[len(messages)-historyLimit:]
		}
		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range messages {
			printMessage(msg)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send one message through the full chat pipeline",
	Long:  "Open a chat session with the user, send one message (realtime first,\nREST fallback), and report the final delivery status.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		otherUserID, text := args[0], args[1]

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		session, teardown, err := openSession(ctx, otherUserID, nil)
		if err != nil {
			return err
		}
		defer teardown()

		msg, err := session.Send(ctx, text)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Message %s: %s\n", msg.Status, msg.ID)
		return nil
	},
}

// ============================================================================
// chat (interactive)
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <user-id>",
	Short: "Open an interactive chat with a user",
	Long:  "Open an interactive chat session. Incoming messages print as they\narrive; type a line to send, or /quit to leave.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		otherUserID := args[0]

		ctx := context.Background()
		tracker := festivechat.NewNotifier(mustUserID())

		session, teardown, err := openSession(ctx, otherUserID, tracker)
		if err != nil {
			return err
		}
		defer teardown()

		if herr := session.HistoryErr(); herr != nil {
			fmt.Printf("(history unavailable: %v)\n", herr)
		}
		for _, msg := range session.Messages() {
			printMessage(msg)
		}
		fmt.Printf("-- chatting with %s, /quit to exit --\n", otherUserID)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "/quit" {
				break
			}
			if line == "" {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			msg, err := session.Send(sendCtx, line)
			cancel()
			if err != nil {
				fmt.Printf("!! send failed, text restored to draft: %v\n", err)
				continue
			}
			printMessage(msg)
		}
		return scanner.Err()
	},
}

// openSession wires the client, channel, and session for one counterpart.
// The returned teardown cancels the print subscription and closes the session.
func openSession(ctx context.Context, otherUserID string, tracker *festivechat.Notifier) (*festivechat.ChatSession, func(), error) {
	client := getClient()

	cred, err := client.IssueChannelToken(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("token issuance failed: %w", err)
	}
	channel := client.Channel(&festivechat.ChannelConfig{
		Token:         cred.Token,
		AutoReconnect: true,
	})

	var printSub *festivechat.Subscription
	if tracker != nil {
		tracker.Bind(channel)
		printSub = channel.SubscribeMessages(func(ev festivechat.MessageEvent) {
			if ev.SenderID != client.UserID() {
				fmt.Printf("[%s] %s: %s\n", ev.Timestamp, ev.SenderID, ev.Text)
			}
		})
	}

	var sessionTracker festivechat.UnreadTracker
	if tracker != nil {
		sessionTracker = tracker
	}
	session := client.Session(channel, sessionTracker, otherUserID)
	if err := session.Open(ctx); err != nil {
		printSub.Cancel()
		channel.Disconnect()
		return nil, nil, fmt.Errorf("could not open chat: %w", err)
	}
	teardown := func() {
		printSub.Cancel()
		session.Close()
	}
	return session, teardown, nil
}

func mustUserID() string {
	cfg, err := loadConfig()
	if err != nil || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'festivechat login <user-id> <auth-token>' first.")
		os.Exit(1)
	}
	return cfg.Auth.UserID
}

func printMessage(msg festivechat.Message) {
	who := msg.SenderID
	if msg.Mine {
		who = "me"
	}
	ts := ""
	if !msg.Timestamp.IsZero() {
		ts = msg.Timestamp.Format("2006-01-02 15:04") + " "
	}
	fmt.Printf("[%s%s] %s (%s)\n", ts, who, msg.Text, msg.Status)
}
