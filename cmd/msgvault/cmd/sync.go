package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/wesm/msgvault/internal/gmail"
	"github.com/wesm/msgvault/internal/oauth"
	"github.com/wesm/msgvault/internal/store"
	"github.com/wesm/msgvault/internal/sync"
	"github.com/wesm/msgvault/internal/synclock"
)

var forceFullSync bool

// CLIProgress prints sync progress to stdout as periodic status lines.
type CLIProgress struct {
	total int64
}

func (p *CLIProgress) OnStart(total int64) {
	p.total = total
	if total > 0 {
		fmt.Printf("Found %d messages to process\n", total)
	}
}

func (p *CLIProgress) OnProgress(processed, added, skipped int64) {
	if p.total > 0 {
		fmt.Printf("\r  %d/%d processed (%d added, %d skipped)", processed, p.total, added, skipped)
	} else {
		fmt.Printf("\r  %d processed (%d added, %d skipped)", processed, added, skipped)
	}
}

func (p *CLIProgress) OnComplete(summary *gmail.SyncSummary) {
	fmt.Println()
}

func (p *CLIProgress) OnError(err error) {
	fmt.Printf("\n  warning: %v\n", err)
}

func (p *CLIProgress) OnLatestDate(date time.Time) {
	fmt.Printf("\r  processing messages from %s...", date.Format("2006-01-02"))
}

var _ gmail.SyncProgressWithDate = (*CLIProgress)(nil)

var syncAccountCmd = &cobra.Command{
	Use:     "sync-account <email>",
	Aliases: []string{"sync"},
	Short:   "Synchronize a Gmail account",
	Long: `Synchronize a Gmail account, choosing bootstrap or incremental mode automatically.

If no prior sync has completed (or --full is given), this performs a full
bootstrap sync of the account. Otherwise it performs an incremental sync
using the Gmail History API, which only fetches changes since the last
recorded history ID.

If the recorded history ID has expired (Gmail only retains ~7 days of
history), this falls back to a full sync automatically.

Examples:
  msgvault sync-account you@gmail.com
  msgvault sync-account you@gmail.com --full`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		if cfg.OAuth.ClientSecrets == "" {
			return errOAuthNotConfigured()
		}

		dbPath := cfg.DatabaseDSN()
		s, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()

		if err := s.InitSchema(); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}

		source, err := s.GetSourceByIdentifier(email)
		if err != nil {
			return fmt.Errorf("get source: %w", err)
		}
		if source != nil && source.Disabled() {
			return fmt.Errorf("account %s is disabled (%s) - re-run 'add-account' to re-authorize, then clear the disabled flag", email, source.DisabledReason.String)
		}

		runFull := forceFullSync || source == nil || !source.SyncCursor.Valid || source.SyncCursor.String == ""

		oauthMgr, err := oauth.NewManager(cfg.OAuth.ClientSecrets, cfg.TokensDir(), logger)
		if err != nil {
			return wrapOAuthError(fmt.Errorf("create oauth manager: %w", err))
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			fmt.Println("\nInterrupted. Saving checkpoint...")
			cancel()
		}()

		tokenSource, err := oauthMgr.TokenSource(ctx, email)
		if err != nil {
			if oauth.IsInvalidCredentials(err) {
				if source != nil {
					if disableErr := s.DisableSource(source.ID, err.Error()); disableErr != nil {
						logger.Warn("failed to disable source after invalid credentials", "email", email, "error", disableErr)
					}
				}
				return fmt.Errorf("%w - account disabled, run 'add-account' to re-authorize", err)
			}
			return fmt.Errorf("get token source: %w (run 'add-account' first)", err)
		}

		rateLimiter := gmail.NewRateLimiter(float64(cfg.Sync.RateLimitQPS))
		client := gmail.NewClient(tokenSource,
			gmail.WithLogger(logger),
			gmail.WithRateLimiter(rateLimiter),
		)
		defer client.Close()

		opts := sync.DefaultOptions()
		opts.AttachmentsDir = cfg.AttachmentsDir()
		if cfg.Sync.UnreadLabel != "" {
			opts.UnreadLabel = cfg.Sync.UnreadLabel
		}
		if cfg.Sync.GmailChunkSize > 0 {
			opts.GmailChunkSize = cfg.Sync.GmailChunkSize
		}

		syncer := sync.New(client, s, opts).
			WithLogger(logger).
			WithProgress(&CLIProgress{})

		if cfg.Sync.RedisURL != "" {
			redisOpt, err := redis.ParseURL(cfg.Sync.RedisURL)
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			redisClient := redis.NewClient(redisOpt)
			defer redisClient.Close()

			lifetime := time.Duration(cfg.Sync.SyncLockLifetimeSecs) * time.Second
			lock := synclock.NewBootstrap(redisClient, email, "sync-account", lifetime)
			syncer = syncer.WithBootstrapLock(lock)
		}

		startTime := time.Now()

		var summary *gmail.SyncSummary
		if runFull {
			fmt.Printf("Starting full sync for %s\n\n", email)
			summary, err = syncer.Full(ctx, email)
		} else {
			fmt.Printf("Starting incremental sync for %s\n", email)
			fmt.Printf("Last history ID: %s\n\n", source.SyncCursor.String)

			summary, err = syncer.Incremental(ctx, email)
			if errors.Is(err, sync.ErrHistoryExpired) {
				fmt.Println("History ID has expired. Gmail only keeps ~7 days of history.")
				fmt.Println("Falling back to a full sync.")
				summary, err = syncer.Full(ctx, email)
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				fmt.Println("\nSync interrupted. Run again to resume.")
				return nil
			}
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Println()
		fmt.Println("Sync complete!")
		fmt.Printf("  Duration:      %s\n", summary.Duration.Round(time.Second))
		fmt.Printf("  Changes:       %d processed, %d added\n",
			summary.MessagesFound, summary.MessagesAdded)
		fmt.Printf("  Downloaded:    %.2f MB\n", float64(summary.BytesDownloaded)/(1024*1024))
		if summary.Errors > 0 {
			fmt.Printf("  Errors:        %d\n", summary.Errors)
		}

		elapsed := time.Since(startTime)
		logger.Info("sync completed",
			"email", email,
			"mode", map[bool]string{true: "full", false: "incremental"}[runFull],
			"messages_added", summary.MessagesAdded,
			"elapsed", elapsed,
		)

		return nil
	},
}

func init() {
	syncAccountCmd.Flags().BoolVar(&forceFullSync, "full", false, "force a full bootstrap sync even if an incremental cursor exists")
	rootCmd.AddCommand(syncAccountCmd)
}
