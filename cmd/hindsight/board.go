package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/astromechza/hindsight/pkg/board"
	"github.com/astromechza/hindsight/pkg/ids"
	"github.com/astromechza/hindsight/pkg/syncer"
	"github.com/astromechza/hindsight/pkg/viz"
)

type boardOptions struct {
	Server   string
	Name     string
	StateDir string
	Offline  bool
}

func newBoardCommand() *cobra.Command {
	opts := &boardOptions{}

	cmd := &cobra.Command{
		Use:   "board <board-id>",
		Short: "Join a board from the terminal",
		Long: `Join a board and drive it with line commands. The replica is fully
usable offline; edits made while disconnected merge in when the relay
comes back.

Commands:
  column <description>        create a column
  card <column-id> <text>     create a card (casts your vote on it)
  vote <card-id>              vote, at most once per card
  unvote <card-id>            retract your vote
  rm <card-id>                delete a card and its votes
  name <name>                 rename yourself
  timer <seconds>             start the shared timer
  show                        print the board
  dump                        render the board graph to an svg
  quit                        leave the board`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoard(opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "relay base URL, e.g. ws://localhost:5000")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name on the board")
	cmd.Flags().StringVar(&opts.StateDir, "state-dir", "", "directory for the local replica and identity")
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "do not connect to a relay")

	return cmd
}

func runBoard(opts *boardOptions, boardID string) error {
	stateDir := envOr(opts.StateDir, "HINDSIGHT_STATE_DIR", ".")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	participantID, err := ids.Participant(filepath.Join(stateDir, "participant.id"))
	if err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", filepath.Join(stateDir, "hindsight.sqlite3"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	relayURL := ""
	if !opts.Offline {
		relayURL = envOr(opts.Server, "HINDSIGHT_SERVER", "ws://localhost:5000")
		// nudge a cold relay awake; the synchronizer retries regardless
		httpURL := "http" + strings.TrimPrefix(relayURL, "ws")
		if err := syncer.WakeUp(context.Background(), httpURL); err != nil {
			slog.Debug("wake-up probe failed", "err", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := board.NewSession(ctx, board.SessionConfig{
		BoardID:         boardID,
		ParticipantID:   participantID,
		ParticipantName: opts.Name,
		RelayURL:        relayURL,
		DB:              db,
		OnStatus: func(st syncer.Status) {
			slog.Info("sync status", "status", st)
		},
	})
	if err != nil {
		return err
	}
	defer session.Close()

	slog.Info("joined board", "board", boardID, "participant", participantID)
	return boardLoop(session)
}

func boardLoop(session *board.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Print("> ")
			continue
		}
		cmd, rest := fields[0], fields[1:]
		var err error
		switch cmd {
		case "column":
			var id string
			id, err = session.CreateColumn(strings.Join(rest, " "))
			if err == nil {
				fmt.Println(id)
			}
		case "card":
			if len(rest) < 2 {
				err = fmt.Errorf("usage: card <column-id> <text>")
				break
			}
			var id string
			id, err = session.CreateCard(rest[0], strings.Join(rest[1:], " "))
			if err == nil {
				fmt.Println(id)
			}
		case "vote":
			if len(rest) != 1 {
				err = fmt.Errorf("usage: vote <card-id>")
				break
			}
			err = session.Vote(rest[0])
		case "unvote":
			if len(rest) != 1 {
				err = fmt.Errorf("usage: unvote <card-id>")
				break
			}
			err = session.Unvote(rest[0])
		case "rm":
			if len(rest) != 1 {
				err = fmt.Errorf("usage: rm <card-id>")
				break
			}
			err = session.DeleteCard(rest[0])
		case "name":
			err = session.SetParticipantName(strings.Join(rest, " "))
		case "timer":
			if len(rest) != 1 {
				err = fmt.Errorf("usage: timer <seconds>")
				break
			}
			var secs int
			if secs, err = strconv.Atoi(rest[0]); err == nil {
				err = session.SetTimer(time.Now().Add(time.Duration(secs) * time.Second))
			}
		case "show":
			printBoard(session)
		case "dump":
			var path string
			if path, err = viz.RenderToTemp(session.Store()); err == nil {
				fmt.Println("file://" + path)
			}
		case "quit", "exit":
			return nil
		default:
			err = fmt.Errorf("unknown command: %s", cmd)
		}
		if err != nil {
			fmt.Println("error:", err)
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

func printBoard(session *board.Session) {
	s := session.Store()
	fmt.Printf("participants: %d, sync: %s\n", session.ParticipantCount(), session.SyncStatus())
	if deadline, ok := session.TimerDeadline(); ok {
		fmt.Printf("timer ends %s\n", humanize.Time(deadline))
	}
	byColumn := map[string][]string{}
	for _, cardID := range session.SortedCardIDs() {
		colID, _ := s.GetCell(board.TableCards, cardID, "columnId")
		col, _ := colID.(string)
		byColumn[col] = append(byColumn[col], cardID)
	}
	for _, colID := range session.ColumnIDs() {
		desc, _ := s.GetCell(board.TableColumns, colID, "description")
		fmt.Printf("[%s] %v\n", colID, desc)
		for _, cardID := range byColumn[colID] {
			text, _ := s.GetCell(board.TableCards, cardID, "description")
			marker := " "
			if session.HasVoted(cardID) {
				marker = "*"
			}
			fmt.Printf("  %s (%s) %d votes %v\n", marker, cardID, session.VoteCount(cardID), text)
		}
	}
}
