package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/astromechza/hindsight/pkg/board"
	"github.com/astromechza/hindsight/pkg/persist"
	"github.com/astromechza/hindsight/pkg/store"
	"github.com/astromechza/hindsight/pkg/viz"
)

type vizOptions struct {
	Database string
	Output   string
}

func newVizCommand() *cobra.Command {
	opts := &vizOptions{}

	cmd := &cobra.Command{
		Use:   "viz <board-id>",
		Short: "Render a stored board's entity graph to svg",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runViz(opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "sqlite file holding the board snapshot")
	cmd.Flags().StringVar(&opts.Output, "out", "", "output path, defaults to a temp file")

	return cmd
}

func runViz(opts *vizOptions, boardID string) error {
	path := envOr(opts.Database, "HINDSIGHT_DB", "hindsight.sqlite3")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := persist.Init(db); err != nil {
		return err
	}

	s := store.New(board.Schema(), "viz")
	if err := persist.New(db, s, boardID).Load(context.Background()); err != nil {
		return err
	}

	out := opts.Output
	if out == "" {
		if out, err = viz.RenderToTemp(s); err != nil {
			return err
		}
	} else if err := viz.RenderBoardToSvg(s, out); err != nil {
		return err
	}
	fmt.Println("file://" + out)
	return nil
}
