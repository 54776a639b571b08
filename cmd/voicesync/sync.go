package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"voice-sync/internal/domain"
)

var (
	syncPullOnly bool
	syncPushOnly bool
	syncFull     bool
	syncAll      bool
	syncParallel int
)

var syncCmd = &cobra.Command{
	Use:   "sync [peer-id]",
	Short: "Synchronize with one peer or every registered peer",
	Long: `Run a sync session: handshake, pull the peer's changes, then push ours.
The first session with a peer, or --full, exchanges complete datasets.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := syncMode()
		if err != nil {
			return err
		}
		if syncAll == (len(args) == 1) {
			return errors.New("pass exactly one of a peer id or --all")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		sessions := a.sessions(nil)

		var results []*domain.SyncResult
		if syncAll {
			parallel := syncParallel
			if parallel <= 0 {
				parallel = cfg.Sync.Parallel
			}
			results, err = sessions.SyncAll(ctx, mode, parallel)
			if err != nil {
				return err
			}
		} else {
			res, err := sessions.Sync(ctx, args[0], mode)
			results = append(results, res)
			if err != nil {
				printResults(results)
				return err
			}
		}

		printResults(results)
		for _, r := range results {
			if !r.Success {
				return errors.Newf("sync with %s failed", r.PeerID)
			}
		}
		return nil
	},
}

func syncMode() (domain.SyncMode, error) {
	switch {
	case syncPullOnly && syncPushOnly:
		return "", errors.New("--pull-only and --push-only are mutually exclusive")
	case syncFull && (syncPullOnly || syncPushOnly):
		return "", errors.New("--full cannot be combined with one-way modes")
	case syncPullOnly:
		return domain.SyncModePullOnly, nil
	case syncPushOnly:
		return domain.SyncModePushOnly, nil
	case syncFull:
		return domain.SyncModeFull, nil
	default:
		return domain.SyncModeIncremental, nil
	}
}

func printResults(results []*domain.SyncResult) {
	data := pterm.TableData{{"Peer", "Mode", "Result", "Pulled", "Pushed", "Conflicts", "Errors", "Duration"}}
	for _, r := range results {
		if r == nil {
			continue
		}
		status := pterm.Green("ok")
		if !r.Success {
			status = pterm.Red("failed")
		}
		name := r.PeerName
		if name == "" {
			name = shortID(r.PeerID)
		}
		data = append(data, []string{
			name,
			string(r.Mode),
			status,
			fmt.Sprint(r.Pulled),
			fmt.Sprint(r.Pushed),
			fmt.Sprint(r.Conflicts),
			fmt.Sprint(len(r.Errors)),
			r.Duration.Round(time.Millisecond).String(),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()

	for _, r := range results {
		if r == nil || len(r.Errors) == 0 {
			continue
		}
		pterm.Warning.Printf("%s:\n  %s\n", shortID(r.PeerID), strings.Join(r.Errors, "\n  "))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	syncCmd.Flags().BoolVar(&syncPullOnly, "pull-only", false, "Only pull the peer's changes")
	syncCmd.Flags().BoolVar(&syncPushOnly, "push-only", false, "Only push local changes")
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "Exchange complete datasets")
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "Sync with every registered peer")
	syncCmd.Flags().IntVar(&syncParallel, "parallel", 0, "Concurrent sessions with --all (default SYNC_PARALLEL)")
	rootCmd.AddCommand(syncCmd)
}
