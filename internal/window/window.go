// Package window derives the bounded slice of recent turns sent to the
// generation capability, enforcing the tool-call pairing invariant.
package window

import (
	"fmt"

	"github.com/hearthd/hearth/internal/conversation"
	"github.com/hearthd/hearth/internal/fault"
)

// TurnSource is the read side of the message store.
type TurnSource interface {
	Read(sessionID string, limit int, chronological bool) ([]conversation.Turn, error)
}

// RoleRule validates role ordering within a candidate window. Providers
// differ on alternation requirements, so the rule is pluggable; a non-nil
// error rejects the window with the error text as the reason.
type RoleRule func(turns []conversation.Turn) error

// DefaultRoleRule forbids two consecutive user turns with no intervening
// assistant or tool turn. Tool exchanges are exempt from alternation.
func DefaultRoleRule(turns []conversation.Turn) error {
	for i := 1; i < len(turns); i++ {
		if turns[i].Role == conversation.RoleUser && turns[i-1].Role == conversation.RoleUser {
			return fmt.Errorf("consecutive user turns at seq %d and %d", turns[i-1].Seq, turns[i].Seq)
		}
	}
	return nil
}

type Manager struct {
	source  TurnSource
	size    int
	hardCap int
	rule    RoleRule
}

// NewManager builds a window manager. size is the nominal window length N;
// capMultiple bounds backward extension at capMultiple*N turns.
func NewManager(source TurnSource, size, capMultiple int, rule RoleRule) *Manager {
	if size <= 0 {
		size = 40
	}
	if capMultiple < 1 {
		capMultiple = 2
	}
	if rule == nil {
		rule = DefaultRoleRule
	}
	return &Manager{
		source:  source,
		size:    size,
		hardCap: size * capMultiple,
		rule:    rule,
	}
}

// BuildWindow returns the last N turns of the session, extended backward
// when the boundary would split a tool-call/tool-result pair. Extension is
// bounded by the hard cap; beyond it the window is rejected with a
// StructuralViolation rather than silently truncated.
func (m *Manager) BuildWindow(sessionID string) ([]conversation.Turn, error) {
	turns, err := m.source.Read(sessionID, m.hardCap, true)
	if err != nil {
		return nil, err
	}

	start := len(turns) - m.size
	if start < 0 {
		start = 0
	}

	for {
		win := turns[start:]
		orphans := conversation.OrphanResults(win)
		if len(orphans) == 0 {
			break
		}
		if start == 0 {
			// The matching call is not reachable within the hard cap (or was
			// never recorded); reject instead of growing the prompt further.
			return nil, &fault.StructuralViolation{
				SessionID: sessionID,
				Reason:    fmt.Sprintf("tool result %s has no matching call within extension cap %d", orphans[0], m.hardCap),
			}
		}
		start--
	}

	win := turns[start:]

	if dangling := conversation.UnmatchedCalls(win); len(dangling) > 0 {
		return nil, &fault.StructuralViolation{
			SessionID: sessionID,
			Reason:    fmt.Sprintf("tool call %s has no matching result", dangling[0]),
		}
	}

	if err := m.rule(win); err != nil {
		return nil, &fault.StructuralViolation{
			SessionID: sessionID,
			Reason:    fmt.Sprintf("role ordering: %v", err),
		}
	}

	return win, nil
}

// Size returns the nominal window length N.
func (m *Manager) Size() int { return m.size }
