package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/taskpulse/internal/auth"
	"github.com/rickgao/taskpulse/internal/channel"
	"github.com/rickgao/taskpulse/internal/config"
	"github.com/rickgao/taskpulse/internal/database"
	"github.com/rickgao/taskpulse/internal/journal"
	"github.com/rickgao/taskpulse/internal/logging"
	"github.com/rickgao/taskpulse/internal/rooms"
	"github.com/rickgao/taskpulse/internal/router"
)

type tapOptions struct {
	rooms   []string
	workers []string
	tasks   []string
	payload bool
	manual  bool
}

func tapCmd(root *rootOptions) *cobra.Command {
	var opts tapOptions

	cmd := &cobra.Command{
		Use:   "tap",
		Short: "Join rooms and print their events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAndValidate(root.configPath)
			if err != nil {
				return err
			}
			if err := logging.Configure(root.level(cfg.Log.Level)); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runTap(ctx, cfg, opts, cmd.OutOrStdout(), slog.Default())
		},
	}

	cmd.Flags().StringSliceVar(&opts.rooms, "room", nil, "Room to join (repeatable); defaults to global")
	cmd.Flags().StringSliceVar(&opts.workers, "worker", nil, "Worker id to follow (repeatable)")
	cmd.Flags().StringSliceVar(&opts.tasks, "task", nil, "Task id to follow (repeatable)")
	cmd.Flags().BoolVar(&opts.payload, "payload", false, "Print event payloads")
	cmd.Flags().BoolVar(&opts.manual, "manual-connect", false, "Join without auto-connect, then connect once all rooms are registered")
	return cmd
}

// roomList expands the flag set into room ids, in flag order, without duplicates.
func (o tapOptions) roomList() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(room string) {
		if !seen[room] {
			seen[room] = true
			out = append(out, room)
		}
	}
	for _, r := range o.rooms {
		add(r)
	}
	for _, w := range o.workers {
		add(rooms.WorkerRoom(w))
	}
	for _, t := range o.tasks {
		add(rooms.TaskRoom(t))
	}
	if len(out) == 0 {
		add(rooms.RoomGlobal)
	}
	return out
}

func runTap(ctx context.Context, cfg *config.Config, opts tapOptions, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	started := time.Now()

	tokens, err := auth.FromConfig(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	p := newPrinter(out, opts.payload)
	hubCfg := channel.FromConfig(cfg, auth.Func(tokens))
	hubCfg.Router.OnProtocolError = p.protocolError

	// Optional journal
	var jw *journal.Writer
	if cfg.Journal.Enabled {
		logger.Info("connecting to journal database",
			"host", cfg.Journal.Database.Host,
			"port", cfg.Journal.Database.Port,
			"database", cfg.Journal.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Journal.Database)
		if err != nil {
			return err
		}
		defer pool.Close()

		jw = journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger.With("component", "journal"))
		if err := jw.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("journal schema: %w", err)
		}
		if err := jw.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := jw.Stop(stopCtx); err != nil {
				logger.Warn("journal stop", "error", err)
			}
		}()
		hubCfg.Router.Tap = jw.Tap
	}

	hub, err := channel.Init(hubCfg, logger)
	if err != nil {
		return err
	}
	defer channel.Shutdown()

	cancelState := hub.OnStateChange(p.stateChange)
	defer cancelState()

	handles, err := joinRooms(hub, opts, p.event)
	if err != nil {
		return err
	}
	defer func() {
		for _, h := range handles {
			h.Release()
		}
	}()

	logger.Info("tap running",
		"rooms", len(handles),
		"url", cfg.Channel.URL,
		"journal", jw != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Health.Port > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
			Handler:           newHealthHandler(hub, jw),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting health server", "port", cfg.Health.Port)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// Runs until interrupted or the health server fails.
	<-gctx.Done()
	logger.Info("shutting down tap")

	err = g.Wait()
	p.summary(hub.Stats(), time.Since(started))
	return err
}

func joinRooms(hub *channel.Hub, opts tapOptions, onEvent router.Listener) ([]*channel.Handle, error) {
	var handles []*channel.Handle
	release := func() {
		for _, h := range handles {
			h.Release()
		}
	}

	for _, room := range opts.roomList() {
		h, err := hub.Connect(channel.Options{
			Room:        room,
			AutoConnect: !opts.manual,
			OnEvent:     onEvent,
		})
		if err != nil {
			release()
			return nil, fmt.Errorf("join %s: %w", room, err)
		}
		handles = append(handles, h)
	}

	if opts.manual && len(handles) > 0 {
		if err := handles[0].Connect(); err != nil {
			release()
			return nil, err
		}
	}
	return handles, nil
}
