// Package matchstate contains the per-conversation state types tracked by
// the rules engine's stateful flag machine.
package matchstate

import "fmt"

// Tuple identifies a conversation context. It is the key used by the
// threshold tracker and the state cache to isolate rate limits and flags
// across conversations.
type Tuple struct {
	TokenID        string
	ConversationID string
	AccountID      string
}

// ID returns the stable key format "{tokenId}:{conversationId}:{accountId|""}".
func (t Tuple) ID() string {
	return fmt.Sprintf("%s:%s:%s", t.TokenID, t.ConversationID, t.AccountID)
}

// FlagAction records whether a flag-history entry set or cleared a flag.
type FlagAction string

const (
	FlagActionSet   FlagAction = "set"
	FlagActionUnset FlagAction = "unset"
)

// FlagHistoryEntry is one append-only record of a flag mutation.
type FlagHistoryEntry struct {
	Flag        string
	Action      FlagAction
	RuleID      string
	TimestampMS int64
}

// ConversationState is the per-tuple state tracked across messages: the
// current flag values, their mutation history, and lifecycle timestamps.
//
// State objects are copy-on-write: a mutation never edits an object another
// evaluation may be holding, it produces a new one (see Clone).
type ConversationState struct {
	ID          string
	Flags       map[string]bool
	FlagHistory []FlagHistoryEntry
	ExpiresAt   int64 // wall-clock ms
	CreatedAt   int64
	UpdatedAt   int64
}

// New synthesizes a fresh, empty state for tuple with a default 24h lifetime.
func New(tuple Tuple, nowMS int64) *ConversationState {
	return &ConversationState{
		ID:          tuple.ID(),
		Flags:       make(map[string]bool),
		FlagHistory: nil,
		ExpiresAt:   nowMS + 24*60*60*1000,
		CreatedAt:   nowMS,
		UpdatedAt:   nowMS,
	}
}

// Clone returns a deep copy of the state, suitable as the basis for a
// copy-on-write mutation. The returned object shares no mutable state with
// the receiver.
func (s *ConversationState) Clone() *ConversationState {
	clone := &ConversationState{
		ID:        s.ID,
		Flags:     make(map[string]bool, len(s.Flags)),
		ExpiresAt: s.ExpiresAt,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	for k, v := range s.Flags {
		clone.Flags[k] = v
	}
	clone.FlagHistory = make([]FlagHistoryEntry, len(s.FlagHistory))
	copy(clone.FlagHistory, s.FlagHistory)
	return clone
}

// IsExpired reports whether the state's lifetime has elapsed as of nowMS.
func (s *ConversationState) IsExpired(nowMS int64) bool {
	return nowMS >= s.ExpiresAt
}

// CheckAll reports whether every named flag is currently true. An empty
// list is vacuously satisfied.
func (s *ConversationState) CheckAll(flags []string) bool {
	for _, f := range flags {
		if !s.Flags[f] {
			return false
		}
	}
	return true
}

// ApplyMutation returns a new state with the given flags set/unset and the
// corresponding history entries appended, and a refreshed expiry. The
// receiver is left unmodified.
func (s *ConversationState) ApplyMutation(ruleID string, set, unset []string, ttlSeconds int, nowMS int64) *ConversationState {
	next := s.Clone()
	for _, f := range set {
		next.Flags[f] = true
		next.FlagHistory = append(next.FlagHistory, FlagHistoryEntry{
			Flag: f, Action: FlagActionSet, RuleID: ruleID, TimestampMS: nowMS,
		})
	}
	for _, f := range unset {
		next.Flags[f] = false
		next.FlagHistory = append(next.FlagHistory, FlagHistoryEntry{
			Flag: f, Action: FlagActionUnset, RuleID: ruleID, TimestampMS: nowMS,
		})
	}
	next.ExpiresAt = nowMS + int64(ttlSeconds)*1000
	next.UpdatedAt = nowMS
	return next
}
