package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/mailstore/internal/config"
	"github.com/fenilsonani/mailstore/internal/dsync"
	"github.com/fenilsonani/mailstore/internal/index/cache"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/mailerr"
	"github.com/fenilsonani/mailstore/internal/maildir"
	"github.com/fenilsonani/mailstore/internal/metadata"
	"github.com/fenilsonani/mailstore/internal/queue"
)

// Exit codes per the dsync contract.
const (
	exitOK        = 0
	exitTransient = 1
	exitPermanent = 2
	exitPartial   = 75
)

var (
	cfgFile           string
	debug             bool
	resetOnCorruption bool
	cfg               *config.Config
	logger            *logging.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case mailerr.IsKind(err, mailerr.KindBusy),
		mailerr.IsKind(err, mailerr.KindTransient),
		mailerr.IsKind(err, mailerr.KindStale):
		return exitTransient
	default:
		return exitPermanent
	}
}

var rootCmd = &cobra.Command{
	Use:   "dsync",
	Short: "Synchronize two mail store hierarchies",
	Long: `dsync reconciles two maildir hierarchies: mailbox trees (renames,
creations, deletions, subscriptions) and per-message state (bodies,
flags, keywords, expunges).

Exit codes: 0 ok, 1 transient failure (retry), 2 permanent failure,
75 partial sync (changes during sync; re-run).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		logCfg := logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		}
		if debug {
			logCfg.Level = "debug"
		}
		logger, err = logging.New(logCfg)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		return nil
	},
}

func mailboxConfig() maildir.MailboxConfig {
	return maildir.MailboxConfig{
		SyncSecs:          time.Duration(cfg.Maildir.SyncSecs) * time.Second,
		UIDListTimeout:    config.LockTimeout(cfg.Lock.UIDListTimeout),
		LogTimeout:        config.LockTimeout(cfg.Lock.LogTimeout),
		ResetOnCorruption: resetOnCorruption,
		Cache: cache.Config{
			DeletedPercent:    cfg.Cache.DeletedPercent,
			ContinuedPercent:  cfg.Cache.ContinuedPercent,
			MinSize:           cfg.Cache.MinSize,
			MaxBufferSize:     cfg.Cache.MaxBufferSize,
			LockMethod:        cfg.Lock.CacheMethod,
			LockTimeout:       config.LockTimeout(cfg.Lock.CacheTimeout),
			ResetOnCorruption: resetOnCorruption,
		},
	}
}

// syncRoots reconciles two hierarchies: tree first, then each common
// mailbox pair. With force set, every mailbox is fully rescanned
// regardless of the mtime quick-check.
func syncRoots(rootA, rootB string, typ dsync.PairSyncType, force bool, peer string) (bool, error) {
	mcfg := mailboxConfig()
	ha := dsync.NewHierarchy(rootA, mcfg, logger)
	hb := dsync.NewHierarchy(rootB, mcfg, logger)

	treeA, err := ha.BuildTree()
	if err != nil {
		return false, err
	}
	treeB, err := hb.BuildTree()
	if err != nil {
		return false, err
	}

	// Tree reconciliation: apply the local list to A and the mirror
	// list to B.
	changesA := dsync.NewTreeSync(treeA, treeB, logger).Sync()
	for _, err := range ha.Apply(changesA) {
		logger.WithError(err).Warn("tree change failed on source")
	}
	treeA2, err := ha.BuildTree()
	if err != nil {
		return false, err
	}
	changesB := dsync.NewTreeSync(treeB, treeA2, logger).Sync()
	for _, err := range hb.Apply(changesB) {
		logger.WithError(err).Warn("tree change failed on target")
	}

	db, err := metadata.Open(cfg.Storage.StatePath)
	if err != nil {
		return false, err
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		return false, err
	}

	names, err := ha.ListMailboxes()
	if err != nil {
		return false, err
	}

	partial := false
	for _, name := range names {
		pathA := ha.MailboxPath(name)
		pathB := hb.MailboxPath(name)
		if !dirExists(pathB) || !dirExists(pathA) {
			continue
		}

		ma, err := maildir.OpenMailbox(pathA, mcfg, logger)
		if err != nil {
			if mailerr.IsKind(err, mailerr.KindCorrupted) {
				return partial, err
			}
			logger.WithError(err).Warn("cannot open source mailbox", "name", name)
			continue
		}
		mb, err := maildir.OpenMailbox(pathB, mcfg, logger)
		if err != nil {
			ma.Close()
			if mailerr.IsKind(err, mailerr.KindCorrupted) {
				return partial, err
			}
			logger.WithError(err).Warn("cannot open target mailbox", "name", name)
			continue
		}

		st, err := db.GetPairState(ctx, peer, ma.Index.Header().MailboxGUID)
		if err != nil {
			ma.Close()
			mb.Close()
			return partial, err
		}

		res, err := dsync.SyncMailboxPair(ma, mb, typ, dsync.PairState{
			LastCommonUID:       st.LastCommonUID,
			LastCommonModseq:    st.LastCommonModseq,
			LastCommonPvtModseq: st.LastCommonPvtModseq,
		}, force, logger)
		if err != nil {
			ma.Close()
			mb.Close()
			return partial, err
		}
		if res.ChangesDuringSync {
			partial = true
		}

		st.MailboxName = name
		st.UIDValidity = ma.Index.Header().UIDValidity
		st.LastCommonUID = res.State.LastCommonUID
		st.LastCommonModseq = res.State.LastCommonModseq
		st.LastCommonPvtModseq = res.State.LastCommonPvtModseq
		if err := db.PutPairState(ctx, st); err != nil {
			ma.Close()
			mb.Close()
			return partial, err
		}

		ma.Close()
		mb.Close()
		logger.Info("mailbox synced", "name", name,
			"last_common_uid", res.State.LastCommonUID,
			"changes_during_sync", res.ChangesDuringSync)
	}

	return partial, nil
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func runSync(typ dsync.PairSyncType, force bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		partial, err := syncRoots(args[0], args[1], typ, force, args[1])
		if err != nil {
			return err
		}
		if partial {
			logger.Warn("changes during sync; re-run to converge")
			os.Exit(exitPartial)
		}
		return nil
	}
}

var backupCmd = &cobra.Command{
	Use:   "backup <source-root> <target-root>",
	Short: "One-way sync: make target a replica of source",
	Args:  cobra.ExactArgs(2),
	RunE:  runSync(dsync.PairSyncBackup, false),
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror <root-a> <root-b>",
	Short: "Two-way sync of two hierarchies, full scan",
	Args:  cobra.ExactArgs(2),
	RunE:  runSync(dsync.PairSyncTwoWay, true),
}

var syncCmd = &cobra.Command{
	Use:   "sync <root-a> <root-b>",
	Short: "Two-way incremental sync of two hierarchies",
	Args:  cobra.ExactArgs(2),
	RunE:  runSync(dsync.PairSyncTwoWay, false),
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <user> <mailbox>",
	Short: "Queue a mailbox for background synchronization",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Queue.Enabled {
			return fmt.Errorf("queue is disabled in configuration")
		}
		q, err := queue.New(queue.Config{RedisURL: cfg.Queue.RedisURL, Prefix: cfg.Queue.Prefix})
		if err != nil {
			return err
		}
		defer q.Close()
		priority, _ := cmd.Flags().GetBool("priority")
		return q.Push(context.Background(), &queue.Request{
			User:     args[0],
			Mailbox:  args[1],
			Priority: priority,
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("dsync (mailstore) 1.0.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&resetOnCorruption, "reset-on-corruption", false,
		"rebuild corrupted index, cache and uidlist files instead of failing")
	enqueueCmd.Flags().Bool("priority", false, "process before queued requests")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(mirrorCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(versionCmd)
}
