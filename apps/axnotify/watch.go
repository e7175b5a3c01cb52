package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/axnotify/internal/center"
	"github.com/nkkko/axnotify/internal/domain"
	"github.com/nkkko/axnotify/internal/logging"
	"github.com/nkkko/axnotify/internal/notifier"
	"github.com/nkkko/axnotify/internal/platform/sim"
	"github.com/nkkko/axnotify/pkg/client"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type watchArgs struct {
	pid      string
	types    []string
	duration time.Duration
	interval time.Duration
	server   string
}

func newWatchCmd(opts *cliOptions) *cobra.Command {
	args := &watchArgs{
		pid:      "*",
		types:    []string{"focused"},
		interval: 250 * time.Millisecond,
	}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print notifications as JSON lines",
		Long: "Subscribes to notifications and prints each one as a JSON line.\n" +
			"Without --server it runs an in-process center over the demo applications.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := setupCLILogging(opts.logLevel); err != nil {
				return err
			}

			pid, err := domain.ParseProcess(args.pid)
			if err != nil {
				return err
			}
			types, err := parseTypes(args.types)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if args.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, args.duration)
				defer cancel()
			}

			if args.server != "" {
				return watchRemote(ctx, cmd.OutOrStdout(), args.server, pid, types)
			}
			return watchLocal(ctx, cmd.OutOrStdout(), pid, types, args.interval)
		},
	}
	cmd.Flags().StringVar(&args.pid, "pid", args.pid, `process id to observe, or "*" for every process`)
	cmd.Flags().StringSliceVar(&args.types, "type", args.types, "notification type or alias (repeatable)")
	cmd.Flags().DurationVar(&args.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().DurationVar(&args.interval, "interval", args.interval, "delay between synthetic events when running in-process")
	cmd.Flags().StringVar(&args.server, "server", "", "stream from a running server instead, e.g. http://localhost:8080")
	return cmd
}

// setupCLILogging keeps logs on stderr in console form so stdout carries
// only the JSON lines
func setupCLILogging(level string) error {
	cfg := logging.DefaultConfig()
	cfg.Format = logging.FormatConsole
	cfg.Level = logging.LevelWarn
	if level != "" {
		cfg.Level = logging.LogLevel(level)
	}
	return logging.Setup(cfg)
}

func parseTypes(raw []string) ([]domain.NotificationType, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one --type is required")
	}
	types := make([]domain.NotificationType, 0, len(raw))
	for _, r := range raw {
		t, err := domain.ParseNotificationType(r)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// watchLocal runs a center over the demo applications, feeds it synthetic
// events of the watched types and prints what the subscriptions receive
func watchLocal(ctx context.Context, out io.Writer, pid *domain.ProcessID, types []domain.NotificationType, interval time.Duration) error {
	platform := sim.New()
	platform.SeedDemo()

	c, err := center.New(platform)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close(context.Background())
		platform.Wait()
	}()

	// Handlers run one at a time on the dispatch goroutine
	enc := json.NewEncoder(out)
	printer := domain.HandlerFunc(func(n domain.Notification) error {
		return enc.Encode(notifier.EncodeNotification(n))
	})
	for _, t := range types {
		if _, err := c.Subscribe(ctx, pid, nil, t, printer); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Start(gctx)
	})
	g.Go(func() error {
		return sim.NewGenerator(platform, interval, types).Run(gctx)
	})

	if err := g.Wait(); err != nil && !isDone(err) {
		return err
	}
	return nil
}

// watchRemote prints the events of a server's notification stream
func watchRemote(ctx context.Context, out io.Writer, server string, pid *domain.ProcessID, types []domain.NotificationType) error {
	var remotePID *int32
	if pid != nil {
		v := int32(*pid)
		remotePID = &v
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	sub, err := client.New(server).Subscribe(ctx, remotePID, names...)
	if err != nil {
		return err
	}
	defer sub.Close()

	enc := json.NewEncoder(out)
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return fmt.Errorf("stream closed by server")
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func isDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
