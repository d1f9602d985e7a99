package main

import (
	"errors"
	"testing"
	"time"
)

// newTestRegistry returns a registry with immediate client removal and
// no idle reaping.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	return newRegistry(0, 0)
}

func createTestSession(t *testing.T, reg *Registry, name string) *Session {
	t.Helper()

	s, err := reg.Create(name)
	if err != nil {
		t.Fatalf("Create(%q) failed: %v", name, err)
	}
	return s
}

// sequenceIDs returns an id generator that walks the given list, then
// repeats the last entry.
func sequenceIDs(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i]
		if i < len(ids)-1 {
			i++
		}
		return id
	}
}

func drainEvents(c *Connection) {
	for {
		select {
		case _, ok := <-c.events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func pendingEvents(c *Connection) []sseEvent {
	var events []sseEvent
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestCreateRetriesOnCollision(t *testing.T) {
	reg := newTestRegistry(t)
	reg.newID = sequenceIDs("dup", "dup", "dup", "fresh")

	first := createTestSession(t, reg, "first")
	if first.ID() != "dup" {
		t.Fatalf("Expected first session id %q, got %q", "dup", first.ID())
	}

	second := createTestSession(t, reg, "second")
	if second.ID() != "fresh" {
		t.Errorf("Expected collision retries to land on %q, got %q", "fresh", second.ID())
	}
}

func TestCreateReportsExhaustedIDSpace(t *testing.T) {
	reg := newTestRegistry(t)
	reg.newID = sequenceIDs("dup")

	createTestSession(t, reg, "first")

	_, err := reg.Create("second")
	if !errors.Is(err, ErrIDSpaceExhausted) {
		t.Errorf("Expected ErrIDSpaceExhausted after %d collisions, got %v", createAttempts, err)
	}
}

func TestFindUnknownSession(t *testing.T) {
	reg := newTestRegistry(t)

	if _, ok := reg.Find("ghost-session"); ok {
		t.Error("Expected lookup of unknown session id to fail")
	}
}

func TestJoinIsIdempotentPerClientID(t *testing.T) {
	reg := newTestRegistry(t)
	s := createTestSession(t, reg, "test")

	alice := s.Join("", "Alice")
	again := s.Join(alice.ID, "Alicia")

	if again.ID != alice.ID {
		t.Errorf("Expected re-join to keep client id %s, got %s", alice.ID, again.ID)
	}

	snap := s.Snapshot()
	if len(snap.Clients) != 1 {
		t.Fatalf("Expected roster size 1 after re-join, got %d", len(snap.Clients))
	}
	if snap.Clients[0].Name != "Alicia" {
		t.Errorf("Expected re-join to rename in place, got %q", snap.Clients[0].Name)
	}
}

func TestJoinWithStaleIDCreatesNewClient(t *testing.T) {
	reg := newTestRegistry(t)
	s := createTestSession(t, reg, "test")

	client := s.Join("stale-id-from-another-life", "Bob")

	if client.ID == "stale-id-from-another-life" {
		t.Error("Expected a fresh client id for an unknown identifier")
	}
	if len(s.Snapshot().Clients) != 1 {
		t.Errorf("Expected roster size 1, got %d", len(s.Snapshot().Clients))
	}
}

func TestRosterKeepsJoinOrder(t *testing.T) {
	reg := newTestRegistry(t)
	s := createTestSession(t, reg, "test")

	s.Join("", "Alice")
	s.Join("", "Bob")
	s.Join("", "Carol")

	snap := s.Snapshot()
	want := []string{"Alice", "Bob", "Carol"}
	for i, name := range want {
		if snap.Clients[i].Name != name {
			t.Errorf("Expected roster position %d to be %q, got %q", i, name, snap.Clients[i].Name)
		}
	}
}

func TestVoteAndRetract(t *testing.T) {
	reg := newTestRegistry(t)
	s := createTestSession(t, reg, "test")
	alice := s.Join("", "Alice")

	s.Vote(alice.ID, "5")
	if !s.Snapshot().Clients[0].Voted {
		t.Fatal("Expected client to count as voted after selecting a card")
	}

	s.Vote(alice.ID, "")
	if s.Snapshot().Clients[0].Voted {
		t.Error("Expected empty value to retract the vote")
	}
}

func TestVoteUnknownClientIsIgnored(t *testing.T) {
	reg := newTestRegistry(t)
	s := createTestSession(t, reg, "test")
	s.Join("", "Alice")

	s.Vote("ghost-client", "5")

	snap := s.Snapshot()
	if len(snap.Clients) != 1 || snap.Clients[0].Voted {
		t.Error("Expected vote for unknown client to be a silent no-op")
	}
}

func TestVoteRejectsUnknownCard(t *testing.T) {
	reg := newTestRegistry(t)
	s := createTestSession(t, reg, "test")
	alice := s.Join("", "Alice")

	s.Vote(alice.ID, "4")

	if s.Snapshot().Clients[0].Voted {
		t.Error("Expected a value outside the card set to be ignored")
	}
}

func TestSnapshotHidesValuesBeforeReveal(t *testing.T) {
	reg := newTestRegistry(t)
	s := createTestSession(t, reg, "test")
	alice := s.Join("", "Alice")

	s.Vote(alice.ID, "13")

	snap := s.Snapshot()
	if snap.Revealed {
		t.Fatal("Expected session to start hidden")
	}
	if !snap.Clients[0].Voted {
		t.Error("Expected voted flag to be visible before reveal")
	}
	if snap.Clients[0].Value != "" {
		t.Errorf("Expected vote value to be withheld before reveal, got %q", snap.Clients[0].Value)
	}

	s.Reveal()

	snap = s.Snapshot()
	if snap.Clients[0].Value != "13" {
		t.Errorf("Expected vote value %q after reveal, got %q", "13", snap.Clients[0].Value)
	}
}

func TestRevealIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	s := createTestSession(t, reg, "test")
	alice := s.Join("", "Alice")

	conn, err := s.Subscribe(alice.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	drainEvents(conn)

	s.Reveal()
	if events := pendingEvents(conn); len(events) != 1 || events[0].Name != eventVotes {
		t.Errorf("Expected a single %q event on first reveal, got %v", eventVotes, events)
	}

	s.Reveal()
	if events := pendingEvents(conn); len(events) != 0 {
		t.Errorf("Expected no events on repeated reveal, got %v", events)
	}
}

func TestResetClearsVotesAndRevealAtomically(t *testing.T) {
	reg := newTestRegistry(t)
	s := createTestSession(t, reg, "test")
	alice := s.Join("", "Alice")
	bob := s.Join("", "Bob")

	s.Vote(alice.ID, "5")
	s.Vote(bob.ID, "8")
	s.Reveal()

	s.Reset()

	snap := s.Snapshot()
	if snap.Revealed {
		t.Error("Expected revealed=false after reset")
	}
	for _, c := range snap.Clients {
		if c.Voted || c.Value != "" {
			t.Errorf("Expected all votes cleared after reset, client %q still has %+v", c.Name, c)
		}
	}
}

func TestResetBroadcastsDistinctResetEvent(t *testing.T) {
	reg := newTestRegistry(t)
	s := createTestSession(t, reg, "test")
	alice := s.Join("", "Alice")

	conn, err := s.Subscribe(alice.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	drainEvents(conn)

	s.Reset()

	got := pendingEvents(conn)
	want := []string{eventVotes, eventSessions, eventReset}
	if len(got) != len(want) {
		t.Fatalf("Expected %d events after reset, got %v", len(want), got)
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("Expected event %d to be %q, got %q", i, name, got[i].Name)
		}
	}
}

func TestSubscribeRejectsUnknownClient(t *testing.T) {
	reg := newTestRegistry(t)
	s := createTestSession(t, reg, "test")

	if _, err := s.Subscribe("ghost-client"); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("Expected ErrClientNotFound, got %v", err)
	}
}

func TestLastConnectionCloseRemovesClient(t *testing.T) {
	reg := newTestRegistry(t)
	s := createTestSession(t, reg, "test")
	alice := s.Join("", "Alice")

	first, err := s.Subscribe(alice.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	second, err := s.Subscribe(alice.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	s.Unsubscribe(first)
	if len(s.Snapshot().Clients) != 1 {
		t.Fatal("Expected client to stay in the roster while a connection remains open")
	}

	s.Unsubscribe(second)
	if len(s.Snapshot().Clients) != 0 {
		t.Error("Expected client to leave the roster once its last connection closed")
	}
}

func TestGracePeriodKeepsClientAcrossReconnect(t *testing.T) {
	reg := newRegistry(50*time.Millisecond, 0)
	s := createTestSession(t, reg, "test")
	alice := s.Join("", "Alice")
	s.Vote(alice.ID, "8")

	conn, err := s.Subscribe(alice.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Simulate a page reload: close, then reconnect within the grace
	// period.
	s.Unsubscribe(conn)
	if len(s.Snapshot().Clients) != 1 {
		t.Fatal("Expected removal to wait for the grace period")
	}

	if _, err := s.Subscribe(alice.ID); err != nil {
		t.Fatalf("Re-subscribe within grace period failed: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	snap := s.Snapshot()
	if len(snap.Clients) != 1 {
		t.Fatal("Expected client to survive a reconnect within the grace period")
	}
	if !snap.Clients[0].Voted {
		t.Error("Expected vote to survive a reconnect within the grace period")
	}
}

func TestGracePeriodExpiresWithoutReconnect(t *testing.T) {
	reg := newRegistry(30*time.Millisecond, 0)
	s := createTestSession(t, reg, "test")
	alice := s.Join("", "Alice")

	conn, err := s.Subscribe(alice.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	s.Unsubscribe(conn)

	time.Sleep(100 * time.Millisecond)

	if len(s.Snapshot().Clients) != 0 {
		t.Error("Expected client to be removed after the grace period passed without a reconnect")
	}
}

func TestBroadcastScopedToSession(t *testing.T) {
	reg := newTestRegistry(t)
	one := createTestSession(t, reg, "one")
	two := createTestSession(t, reg, "two")

	alice := one.Join("", "Alice")
	bob := two.Join("", "Bob")

	connOne, err := one.Subscribe(alice.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	connTwo, err := two.Subscribe(bob.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	drainEvents(connOne)
	drainEvents(connTwo)

	one.Vote(alice.ID, "5")

	if events := pendingEvents(connOne); len(events) != 1 {
		t.Errorf("Expected one event in the mutated session, got %v", events)
	}
	if events := pendingEvents(connTwo); len(events) != 0 {
		t.Errorf("Expected no events to leak into other sessions, got %v", events)
	}
}

func TestBroadcastSurvivesDeadConnection(t *testing.T) {
	reg := newTestRegistry(t)
	s := createTestSession(t, reg, "test")
	alice := s.Join("", "Alice")

	stuck, err := s.Subscribe(alice.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	live, err := s.Subscribe(alice.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	drainEvents(live)

	// The stuck connection is never drained; once its buffer fills it
	// gets evicted while the live connection keeps receiving.
	for i := 0; i < 2*cap(stuck.events); i++ {
		drainEvents(live)
		s.Vote(alice.ID, "5")
	}

	if events := pendingEvents(live); len(events) == 0 {
		t.Error("Expected the live connection to keep receiving events")
	}

	drainEvents(stuck)
	if _, open := <-stuck.events; open {
		t.Error("Expected the dead connection's channel to be closed after eviction")
	}
}

func TestIdleSessionsAreReaped(t *testing.T) {
	reg := newRegistry(0, 30*time.Millisecond)
	s := createTestSession(t, reg, "test")

	time.Sleep(150 * time.Millisecond)

	if _, ok := reg.Find(s.ID()); ok {
		t.Error("Expected idle session to be reaped")
	}
}
