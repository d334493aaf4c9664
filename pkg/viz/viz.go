// Package viz renders a board replica's entity graph to SVG for debugging:
// columns at the top, their cards below, votes hanging off the cards, and
// participants on the side. Handy when eyeballing what two replicas have
// actually converged to.
package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/hindsight/pkg/board"
	"github.com/astromechza/hindsight/pkg/store"
)

func cellString(s *store.Store, table, rowID, cell string) string {
	v, ok := s.GetCell(table, rowID, cell)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// RenderBoardToSvg draws the board's columns, cards, votes and participants
// with edges following the relationship cells.
func RenderBoardToSvg(s *store.Store, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	graph.SetRankDir(cgraph.TBRank)

	nodeMap := make(map[string]*cgraph.Node)
	node := func(id, label string, shape cgraph.Shape) (*cgraph.Node, error) {
		n, err := graph.CreateNode(id)
		if err != nil {
			return nil, fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label)
		n.SetShape(shape)
		nodeMap[id] = n
		return n, nil
	}

	for _, id := range s.RowIDs(board.TableParticipants) {
		label := fmt.Sprintf("%s\n%s", cellString(s, board.TableParticipants, id, "name"), shortID(id))
		if _, err := node(id, label, cgraph.EllipseShape); err != nil {
			return err
		}
	}
	for _, id := range s.RowIDs(board.TableColumns) {
		label := fmt.Sprintf("%s\n%s", cellString(s, board.TableColumns, id, "description"), shortID(id))
		if _, err := node(id, label, cgraph.BoxShape); err != nil {
			return err
		}
	}
	for _, id := range s.RowIDs(board.TableCards) {
		label := fmt.Sprintf("%s\n%s", cellString(s, board.TableCards, id, "description"), shortID(id))
		if _, err := node(id, label, cgraph.NoteShape); err != nil {
			return err
		}
	}
	for _, id := range s.RowIDs(board.TableVotes) {
		if _, err := node(id, "vote "+shortID(id), cgraph.PointShape); err != nil {
			return err
		}
	}

	edgeCounter := 0
	edge := func(fromID, toID string) error {
		from, to := nodeMap[fromID], nodeMap[toID]
		if from == nil || to == nil {
			// dangling reference, e.g. a vote whose card arrived tombstoned
			return nil
		}
		edgeCounter++
		if _, err := graph.CreateEdge(fmt.Sprintf("e%d", edgeCounter), from, to); err != nil {
			return fmt.Errorf("failed to create edge: %w", err)
		}
		return nil
	}

	for _, id := range s.RowIDs(board.TableCards) {
		if err := edge(cellString(s, board.TableCards, id, "columnId"), id); err != nil {
			return err
		}
	}
	for _, id := range s.RowIDs(board.TableVotes) {
		if err := edge(cellString(s, board.TableVotes, id, "cardId"), id); err != nil {
			return err
		}
		if err := edge(id, cellString(s, board.TableVotes, id, "voterId")); err != nil {
			return err
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), os.ModePerm); err != nil {
		return fmt.Errorf("failed to write")
	}
	return nil
}

// RenderToTemp renders into a throwaway file and returns its path.
func RenderToTemp(s *store.Store) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderBoardToSvg(s, tf); err != nil {
		return "", err
	}
	return tf, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
