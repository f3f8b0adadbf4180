package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/msgvault/internal/gmail"
	"github.com/wesm/msgvault/internal/mime"
	"github.com/wesm/msgvault/internal/oauth"
)

var showMessageJSON bool

var showMessageCmd = &cobra.Command{
	Use:   "get-message <email> <message-id>",
	Short: "Fetch and display a single message directly from Gmail",
	Long: `Fetch a single message directly from the Gmail API and display it.

This is a diagnostic command: it bypasses the local replica entirely and
talks to the Connector directly, which is useful for confirming credentials
and connectivity independent of whatever state the local database is in.
Use --json for programmatic output.

Examples:
  msgvault get-message you@gmail.com 18f0abc123def
  msgvault get-message you@gmail.com 18f0abc123def --json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		messageID := args[1]

		if cfg.OAuth.ClientSecrets == "" {
			return errOAuthNotConfigured()
		}

		oauthMgr, err := oauth.NewManager(cfg.OAuth.ClientSecrets, cfg.TokensDir(), logger)
		if err != nil {
			return wrapOAuthError(fmt.Errorf("create oauth manager: %w", err))
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		tokenSource, err := oauthMgr.TokenSource(ctx, email)
		if err != nil {
			return fmt.Errorf("get token source: %w (run 'add-account' first)", err)
		}

		client := gmail.NewClient(tokenSource, gmail.WithLogger(logger))
		defer client.Close()

		raw, err := client.GetMessageRaw(ctx, messageID)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}

		parsed, err := mime.Parse(raw.Raw)
		if err != nil {
			return fmt.Errorf("parse message: %w", err)
		}

		if showMessageJSON {
			return outputMessageJSON(raw, parsed)
		}
		return outputMessageText(raw, parsed)
	},
}

func outputMessageText(raw *gmail.RawMessage, msg *mime.Message) error {
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")
	fmt.Printf("Message ID: %s (Thread: %s)\n", raw.ID, raw.ThreadID)
	fmt.Println("───────────────────────────────────────────────────────────────────────────────")

	if len(msg.From) > 0 {
		fmt.Printf("From:    %s\n", formatMimeAddresses(msg.From))
	}
	if len(msg.To) > 0 {
		fmt.Printf("To:      %s\n", formatMimeAddresses(msg.To))
	}
	if len(msg.Cc) > 0 {
		fmt.Printf("Cc:      %s\n", formatMimeAddresses(msg.Cc))
	}

	fmt.Printf("Subject: %s\n", msg.Subject)
	if !msg.Date.IsZero() {
		fmt.Printf("Date:    %s\n", msg.Date.Format(time.RFC1123))
	}
	fmt.Printf("Size:    %s\n", formatSize(raw.SizeEstimate))

	if len(raw.LabelIDs) > 0 {
		fmt.Printf("Labels:  %s\n", strings.Join(raw.LabelIDs, ", "))
	}

	if len(msg.Attachments) > 0 {
		fmt.Println("\nAttachments:")
		for _, att := range msg.Attachments {
			fmt.Printf("  • %s (%s, %d bytes)\n", att.Filename, att.ContentType, att.Size)
		}
	}

	fmt.Println("\n═══════════════════════════════════════════════════════════════════════════════")
	switch {
	case msg.BodyText != "":
		fmt.Println(msg.BodyText)
	case raw.Snippet != "":
		fmt.Printf("[No body text available. Snippet: %s]\n", raw.Snippet)
	default:
		fmt.Println("[No body content available]")
	}
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")

	return nil
}

func outputMessageJSON(raw *gmail.RawMessage, msg *mime.Message) error {
	toAddrMap := func(addrs []mime.Address) []map[string]string {
		out := make([]map[string]string, len(addrs))
		for i, addr := range addrs {
			out[i] = map[string]string{"email": addr.Email, "name": addr.Name}
		}
		return out
	}

	attachments := make([]map[string]interface{}, len(msg.Attachments))
	for i, att := range msg.Attachments {
		attachments[i] = map[string]interface{}{
			"filename":     att.Filename,
			"content_type": att.ContentType,
			"size":         att.Size,
			"content_hash": att.ContentHash,
			"inline":       att.IsInline,
		}
	}

	output := map[string]interface{}{
		"id":            raw.ID,
		"thread_id":     raw.ThreadID,
		"subject":       msg.Subject,
		"snippet":       raw.Snippet,
		"size_estimate": raw.SizeEstimate,
		"labels":        raw.LabelIDs,
		"from":          toAddrMap(msg.From),
		"to":            toAddrMap(msg.To),
		"cc":            toAddrMap(msg.Cc),
		"bcc":           toAddrMap(msg.Bcc),
		"attachments":   attachments,
		"body_text":     msg.BodyText,
		"body_html":     msg.BodyHTML,
	}
	if !msg.Date.IsZero() {
		output["date"] = msg.Date.Format(time.RFC3339)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

// formatSize renders a byte count in human-readable units.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatMimeAddresses(addrs []mime.Address) string {
	parts := make([]string, len(addrs))
	for i, addr := range addrs {
		if addr.Name != "" {
			parts[i] = fmt.Sprintf("%s <%s>", addr.Name, addr.Email)
		} else {
			parts[i] = addr.Email
		}
	}
	return strings.Join(parts, ", ")
}

func init() {
	rootCmd.AddCommand(showMessageCmd)
	showMessageCmd.Flags().BoolVar(&showMessageJSON, "json", false, "Output as JSON")
}
