package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/astromechza/hindsight/pkg/board"
	"github.com/astromechza/hindsight/pkg/relay"
)

type relayOptions struct {
	Config   string
	Listen   string
	Database string
}

func newRelayCommand() *cobra.Command {
	opts := &relayOptions{}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the board relay",
		Long: `Serve the websocket relay that boards synchronize through. The relay
holds a replica per board and backs each one up to sqlite, so boards
survive restarts even with no client online.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to a yaml config file")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "address to listen on (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "sqlite file for board backups (overrides config)")

	return cmd
}

func runRelay(opts *relayOptions) error {
	cfg, err := relay.LoadConfig(opts.Config)
	if err != nil {
		return err
	}
	cfg.Listen = envOr(opts.Listen, "HINDSIGHT_LISTEN", cfg.Listen)
	cfg.Database = envOr(opts.Database, "HINDSIGHT_DB", cfg.Database)

	slog.Info("Opening database", "path", cfg.Database)
	db, err := sql.Open("sqlite3", cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	r, err := relay.New(db, board.Schema())
	if err != nil {
		return err
	}

	httpServer := &http.Server{Addr: cfg.Listen, Handler: r.Handler()}
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	_ = httpServer.Close()
	wg.Wait()

	// final snapshots before exit
	r.Close()
	return nil
}
