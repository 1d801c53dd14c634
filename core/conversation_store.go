package core

// conversation_store.go implements ConversationStore (spec §4.3): an
// append-only per-session message log layered on StorageFacade, keyed
// `conversations/{sessionId}/messages/{index}` with a manifest at
// `conversations/{sessionId}/manifest` (spec §6).

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConversationStore persists session conversation history.
type ConversationStore struct {
	sf *StorageFacade
	mu sync.Mutex
}

// NewConversationStore wraps a StorageFacade with conversation semantics.
func NewConversationStore(sf *StorageFacade) *ConversationStore {
	return &ConversationStore{sf: sf}
}

func manifestPath(sessionID string) string {
	return fmt.Sprintf("conversations/%s/manifest", sessionID)
}

func messagePath(sessionID string, index int) string {
	return fmt.Sprintf("conversations/%s/messages/%d", sessionID, index)
}

// Append adds message to sessionID's log. It is idempotent on message.ID:
// appending the same ID twice is a no-op on the second call. The index is
// assigned contiguously from the current message count.
func (cs *ConversationStore) Append(sessionID string, message Message) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	existing, err := cs.load(sessionID)
	if err != nil {
		return fmt.Errorf("conversation store append: %w", err)
	}
	for _, m := range existing {
		if m.ID == message.ID {
			return nil // idempotent
		}
	}

	message.MessageIndex = len(existing)
	message.SessionID = sessionID
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("conversation store append: %w", err)
	}
	if err := cs.sf.Put(messagePath(sessionID, message.MessageIndex), raw); err != nil {
		return fmt.Errorf("conversation store append: %w", err)
	}
	if err := cs.sf.recordPath(messagePath(sessionID, message.MessageIndex)); err != nil {
		return fmt.Errorf("conversation store append: %w", err)
	}

	manifest, err := cs.loadManifest(sessionID)
	if err != nil {
		return fmt.Errorf("conversation store append: %w", err)
	}
	now := time.Now().UTC()
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = now
	}
	manifest.UpdatedAt = now
	if message.Tokens != nil {
		manifest.TotalTokens += *message.Tokens
	}
	if err := cs.saveManifest(sessionID, manifest); err != nil {
		return fmt.Errorf("conversation store append: %w", err)
	}
	return nil
}

func (cs *ConversationStore) loadManifest(sessionID string) (ConversationManifest, error) {
	raw, err := cs.sf.Get(manifestPath(sessionID))
	if err != nil {
		return ConversationManifest{}, err
	}
	if raw == nil {
		return ConversationManifest{}, nil
	}
	var m ConversationManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return ConversationManifest{}, err
	}
	return m, nil
}

func (cs *ConversationStore) saveManifest(sessionID string, m ConversationManifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return cs.sf.Put(manifestPath(sessionID), raw)
}

// Load returns all messages for sessionID in strict index order, with no
// gaps: indices are {0..n-1}.
func (cs *ConversationStore) Load(sessionID string) ([]Message, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.load(sessionID)
}

func (cs *ConversationStore) load(sessionID string) ([]Message, error) {
	prefix := fmt.Sprintf("conversations/%s/messages/", sessionID)
	paths, err := cs.sf.List(prefix)
	if err != nil {
		return nil, err
	}

	type indexed struct {
		idx int
		msg Message
	}
	var all []indexed
	for _, p := range paths {
		idxStr := strings.TrimPrefix(p, prefix)
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		raw, err := cs.sf.Get(p)
		if err != nil || raw == nil {
			continue
		}
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		all = append(all, indexed{idx: idx, msg: m})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].idx < all[j].idx })

	out := make([]Message, 0, len(all))
	for _, e := range all {
		out = append(out, e.msg)
	}
	return out, nil
}

// Export renders sessionID's conversation as "json" or "markdown".
func (cs *ConversationStore) Export(sessionID, format string) (string, error) {
	messages, err := cs.Load(sessionID)
	if err != nil {
		return "", err
	}
	switch format {
	case "json":
		raw, err := json.MarshalIndent(messages, "", "  ")
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case "markdown":
		var sb strings.Builder
		for _, m := range messages {
			fmt.Fprintf(&sb, "**%s**: %s\n\n", m.Role, m.Content)
		}
		return sb.String(), nil
	default:
		return "", fmt.Errorf("%w: unknown export format %q", ErrInvalidConfig, format)
	}
}

// Delete removes all stored state for sessionID: the manifest and every
// message entry.
func (cs *ConversationStore) Delete(sessionID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	messages, err := cs.load(sessionID)
	if err != nil {
		return err
	}
	for i := range messages {
		if err := cs.sf.Delete(messagePath(sessionID, i)); err != nil {
			return err
		}
	}
	return cs.sf.Delete(manifestPath(sessionID))
}
