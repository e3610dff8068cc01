package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hearthd/hearth/internal/conversation"
	"github.com/hearthd/hearth/internal/fault"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hearth.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateSessionDeterministic(t *testing.T) {
	s := openTestStore(t)

	first, err := s.GetOrCreateSession("alice")
	if err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}
	second, err := s.GetOrCreateSession("alice")
	if err != nil {
		t.Fatalf("GetOrCreateSession second call error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("session IDs differ: %s vs %s", first.ID, second.ID)
	}
	if first.ID != SessionIDFor("alice") {
		t.Fatalf("session ID not deterministic: %s", first.ID)
	}

	other, err := s.GetOrCreateSession("bob")
	if err != nil {
		t.Fatalf("GetOrCreateSession bob error: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("distinct users must map to distinct sessions")
	}
}

func TestAppendAssignsSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.GetOrCreateSession("alice")
	if err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}

	for i, text := range []string{"one", "two", "three"} {
		turn, err := s.Append(ctx, sess.ID, conversation.NewTextTurn(conversation.RoleUser, text))
		if err != nil {
			t.Fatalf("Append %q error: %v", text, err)
		}
		if turn.Seq != int64(i+1) {
			t.Fatalf("Append %q seq = %d, want %d", text, turn.Seq, i+1)
		}
	}

	turns, err := s.Read(sess.ID, 0, true)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("Read returned %d turns, want 3", len(turns))
	}
	if turns[0].Text() != "one" || turns[2].Text() != "three" {
		t.Fatalf("chronological order broken: %q ... %q", turns[0].Text(), turns[2].Text())
	}
}

func TestAppendToAbsentSession(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Append(context.Background(), "no-such-session", conversation.NewTextTurn(conversation.RoleUser, "hi"))
	if !fault.IsNotFound(err) {
		t.Fatalf("Append to absent session error = %v, want NotFound", err)
	}
}

func TestRetryClassifierDeclinesNotFound(t *testing.T) {
	s := openTestStore(t)

	if s.retry.ShouldRetry == nil {
		t.Fatal("store retry config has no classifier")
	}
	if s.retry.ShouldRetry(fault.ErrNotFound) {
		t.Error("NotFound must surface without retries")
	}
	if s.retry.ShouldRetry(fmt.Errorf("check session: %w", fault.ErrNotFound)) {
		t.Error("wrapped NotFound must surface without retries")
	}
	if !s.retry.ShouldRetry(errors.New("database is locked")) {
		t.Error("transient write failures must stay retryable")
	}
}

func TestReadAbsentSession(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Read("no-such-session", 0, true); !fault.IsNotFound(err) {
		t.Fatalf("Read absent session error = %v, want NotFound", err)
	}
}

func TestReadLimitKeepsMostRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, _ := s.GetOrCreateSession("alice")

	for _, text := range []string{"a", "b", "c", "d"} {
		if _, err := s.Append(ctx, sess.ID, conversation.NewTextTurn(conversation.RoleUser, text)); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	turns, err := s.Read(sess.ID, 2, true)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if len(turns) != 2 || turns[0].Text() != "c" || turns[1].Text() != "d" {
		t.Fatalf("limit should keep the tail, got %v", turns)
	}

	newest, err := s.Read(sess.ID, 2, false)
	if err != nil {
		t.Fatalf("Read newest-first error: %v", err)
	}
	if newest[0].Text() != "d" {
		t.Fatalf("newest-first order broken: %q", newest[0].Text())
	}
}

func TestClearIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, _ := s.GetOrCreateSession("alice")
	if _, err := s.Append(ctx, sess.ID, conversation.NewTextTurn(conversation.RoleUser, "hi")); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	if err := s.Clear(ctx, sess.ID); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if err := s.Clear(ctx, sess.ID); err != nil {
		t.Fatalf("second Clear error: %v", err)
	}
	if err := s.Clear(ctx, "never-created"); err != nil {
		t.Fatalf("Clear of never-created session error: %v", err)
	}

	if _, err := s.Read(sess.ID, 0, true); !fault.IsNotFound(err) {
		t.Fatalf("Read after Clear error = %v, want NotFound", err)
	}

	// A cleared user starts fresh with the same deterministic ID.
	again, err := s.GetOrCreateSession("alice")
	if err != nil {
		t.Fatalf("GetOrCreateSession after clear error: %v", err)
	}
	if again.ID != sess.ID {
		t.Fatalf("recreated session ID changed: %s vs %s", again.ID, sess.ID)
	}
	if again.TurnCount != 0 {
		t.Fatalf("recreated session should be empty, has %d turns", again.TurnCount)
	}
}

func TestUserIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, _ := s.GetOrCreateSession("alice")
	bob, _ := s.GetOrCreateSession("bob")

	if _, err := s.Append(ctx, alice.ID, conversation.NewTextTurn(conversation.RoleUser, "alice secret")); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	bobTurns, err := s.Read(bob.ID, 0, true)
	if err != nil {
		t.Fatalf("Read bob error: %v", err)
	}
	if len(bobTurns) != 0 {
		t.Fatalf("bob observes %d of alice's turns", len(bobTurns))
	}

	if err := s.Clear(ctx, bob.ID); err != nil {
		t.Fatalf("Clear bob error: %v", err)
	}
	aliceTurns, err := s.Read(alice.ID, 0, true)
	if err != nil {
		t.Fatalf("Read alice error: %v", err)
	}
	if len(aliceTurns) != 1 {
		t.Fatalf("clearing bob must not touch alice, got %d turns", len(aliceTurns))
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hearth.db")
	ctx := context.Background()

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	sess, _ := s.GetOrCreateSession("alice")
	if _, err := s.Append(ctx, sess.ID, conversation.NewTextTurn(conversation.RoleUser, "persisted")); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s2.Close()

	turns, err := s2.Read(sess.ID, 0, true)
	if err != nil {
		t.Fatalf("Read after reopen error: %v", err)
	}
	if len(turns) != 1 || turns[0].Text() != "persisted" {
		t.Fatalf("turns lost across restart: %v", turns)
	}
}

func TestTouchUpdatesLedger(t *testing.T) {
	s := openTestStore(t)
	sess, _ := s.GetOrCreateSession("alice")

	if err := s.Touch(sess.ID); err != nil {
		t.Fatalf("Touch error: %v", err)
	}
	if err := s.Touch("no-such-session"); !fault.IsNotFound(err) {
		t.Fatalf("Touch absent session error = %v, want NotFound", err)
	}

	sessions, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].UserID != "alice" {
		t.Fatalf("unexpected ledger contents: %+v", sessions)
	}
}
