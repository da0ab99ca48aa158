package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/kbdesk/internal/delivery"
	"github.com/user/kbdesk/internal/scheduler"
	"github.com/user/kbdesk/internal/telegram"
	"github.com/user/kbdesk/internal/types"
	"github.com/user/kbdesk/internal/views"
)

const pidFileName = "kbdesk-watch.pid"

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow document processing and send notifications",
	Long: `watch keeps the document list fresh, polling while documents are
processing and refreshing on the configured schedule otherwise. When a
document finishes or fails, a notification is sent to every target in the
"notify" config list (stdout:, telegram:<chat id>).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, runWatch)
	},
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runWatch(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pidPath, err := writePIDFile(a.cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Delivery registry
	deliveryReg := delivery.NewRegistry()
	deliveryReg.Register("stdout:", delivery.WriterHandler(os.Stdout))

	// Telegram notifier
	if a.cfg.Telegram.Token != "" {
		notifier, err := telegram.New(a.cfg.Telegram.Token, a.cfg.Telegram.ChatID)
		if err != nil {
			return fmt.Errorf("create telegram notifier: %w", err)
		}
		notifier.OnStatus(func(ctx context.Context) (string, error) {
			docs, err := a.docs.List(ctx)
			if err != nil {
				return "", err
			}
			return statusSummary(views.ComputeStats(docs)), nil
		})
		deliveryReg.Register(telegram.TargetPrefix, delivery.WithRetry(notifier.Deliver, delivery.DefaultRetryPolicy()))
		go notifier.Start(ctx)
		slog.Info("telegram notifier started")
	} else {
		slog.Warn("telegram notifier disabled (no token)")
	}

	// Notify on processing transitions
	var (
		mu   sync.Mutex
		prev []types.Document
	)
	cancelSub := a.docs.Subscribe(func(docs []types.Document, err error) {
		if err != nil {
			slog.Warn("document refresh failed", "error", err)
			return
		}
		mu.Lock()
		events := delivery.DocumentEvents(prev, docs)
		prev = docs
		mu.Unlock()
		for _, ev := range events {
			if err := deliveryReg.DeliverAll(a.cfg.Notify, ev); err != nil {
				slog.Error("notification delivery failed", "error", err)
			}
		}
	})
	defer cancelSub()

	docs, err := a.docs.Refresh(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Watching %d document(s), %d processing.\n", len(docs), views.CountProcessing(docs))

	// Scheduler
	sched := scheduler.New(scheduler.Job{
		Name:     "refresh documents",
		Schedule: a.cfg.Sync.RefreshSchedule,
		Run: func() {
			if a.docs.Polling() {
				return
			}
			if _, err := a.docs.Refresh(ctx); err != nil {
				slog.Warn("scheduled refresh failed", "error", err)
			}
		},
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	slog.Info("watch started",
		"api_url", a.cfg.APIURL,
		"poll_interval", a.cfg.PollInterval(),
		"refresh_schedule", a.cfg.Sync.RefreshSchedule,
		"notify", a.cfg.Notify,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, refreshing")
				if _, err := a.docs.Refresh(ctx); err != nil {
					slog.Warn("refresh failed", "error", err)
				}
				continue
			}
			slog.Info("shutting down", "signal", sig)
			return nil
		}
	}
}

func statusSummary(s views.Stats) string {
	return fmt.Sprintf("%d documents: %d ready, %d processing, %d failed.",
		s.Total, s.Completed, s.Processing, s.Failed)
}
