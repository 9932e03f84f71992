package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"taskboard/api/internal/protocol"
	"taskboard/api/internal/reconcile"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

func success(w io.Writer, format string, a ...any) {
	green.Fprintf(w, "✓ "+format+"\n", a...)
}

// failure prints err to stderr and hands it back for cobra.
func failure(err error) error {
	red.Fprintf(os.Stderr, "✗ %v\n", err)
	return err
}

// printBoard renders each list followed by its cards, in position order.
func printBoard(w io.Writer, board *reconcile.Reconciler) {
	for _, list := range board.Lists() {
		phase := ""
		if board.Phase(list.ID) == reconcile.Optimistic {
			phase = yellow.Sprint(" (pending)")
		}
		cyan.Fprintf(w, "%d. %s", list.Position, list.Title)
		fmt.Fprintf(w, "%s %s\n", phase, faint.Sprint(list.ID))
		for _, card := range board.Cards(list.ID) {
			fmt.Fprintf(w, "   %d. %s %s\n", card.Position, card.Title, faint.Sprint(card.ID))
		}
	}
}

// describeFrame is a one-line summary of a pushed event.
func describeFrame(frame protocol.Frame) string {
	var payload map[string]any
	_ = json.Unmarshal(frame.Payload, &payload)
	parts := []string{frame.Type}
	for _, field := range []string{"cardId", "listId", "sourceListId", "destListId", "newPosition", "userId"} {
		if value, ok := payload[field]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", field, value))
		}
	}
	return strings.Join(parts, " ")
}
