// Package ids supplies the two identifier contracts the board layer
// consumes: globally-unique, time-sortable row ids, and the stable
// per-client participant id.
package ids

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh row id. UUIDv7 ids embed a millisecond timestamp in
// their most significant bits, so lexicographic order tracks creation order.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does; fall back to v4
		// rather than failing a mutation over an id.
		return uuid.NewString()
	}
	return id.String()
}

// Participant returns the stable per-client participant id, creating and
// persisting one beside the local database on first use. The id is stable
// across sessions on the same client but identifies the client, not a
// session: participant rows themselves stay ephemeral.
func Participant(path string) (string, error) {
	if raw, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(raw))
		if _, err := uuid.Parse(id); err == nil {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read participant id: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist participant id: %w", err)
	}
	return id, nil
}
