package main

import (
	"html"
	"strings"
	"testing"
)

func TestRenderVotesBeforeReveal(t *testing.T) {
	snap := SessionSnapshot{
		ID:   "test-id",
		Name: "test",
		Clients: []ClientSnapshot{
			{Name: "Alice", Voted: true},
			{Name: "Bob", Voted: false},
		},
	}

	body := renderVotes("", snap)

	if !strings.Contains(body, "Alice: ✔") || !strings.Contains(body, "Bob: ❌") {
		t.Errorf("Expected voted markers, got %q", body)
	}
	if !strings.Contains(body, "/session/test-id/reveal") {
		t.Error("Expected the reveal button while votes are hidden")
	}
}

func TestRenderVotesAfterReveal(t *testing.T) {
	snap := SessionSnapshot{
		ID:       "test-id",
		Name:     "test",
		Revealed: true,
		Clients: []ClientSnapshot{
			{Name: "Alice", Voted: true, Value: "5"},
			{Name: "Bob", Voted: false},
		},
	}

	body := renderVotes("", snap)

	if !strings.Contains(body, "Alice: 5") {
		t.Errorf("Expected revealed value, got %q", body)
	}
	if !strings.Contains(body, "Bob: no vote") {
		t.Errorf("Expected missing votes to render as %q, got %q", "no vote", body)
	}
	if !strings.Contains(body, "/session/test-id/reset") {
		t.Error("Expected the reset button after reveal")
	}
}

func TestRenderVotesEscapesNames(t *testing.T) {
	hostile := `<img src=x onerror="alert(1)">&'`
	snap := SessionSnapshot{
		ID:      "test-id",
		Clients: []ClientSnapshot{{Name: hostile, Voted: true}},
	}

	body := renderVotes("", snap)

	if strings.Contains(body, "<img") {
		t.Errorf("Expected markup in names to be escaped, got %q", body)
	}
	if !strings.Contains(body, html.EscapeString(hostile)) {
		t.Errorf("Expected the escaped name verbatim, got %q", body)
	}
}

func TestRenderCardsMarksSelection(t *testing.T) {
	body := renderCards("", "test-id", "5")

	if !strings.Contains(body, `value="5" checked`) {
		t.Errorf("Expected card 5 to be checked, got %q", body)
	}
	// Clicking the selected card again retracts the vote via the hidden
	// null option.
	if !strings.Contains(body, `document.getElementById('null').click()`) {
		t.Error("Expected the retract toggle on the selected card")
	}
}

func TestRenderCardsWithoutSelection(t *testing.T) {
	body := renderCards("", "test-id", "")

	if strings.Contains(body, `value="5" checked`) {
		t.Error("Expected no card to be checked")
	}
	if !strings.Contains(body, `id="null" value="" checked`) {
		t.Errorf("Expected the null option to be checked, got %q", body)
	}

	for _, card := range cardValues {
		if !strings.Contains(body, `value="`+card+`"`) {
			t.Errorf("Expected card %q to be offered", card)
		}
	}
}

func TestRenderJoinedWiresEventTriggers(t *testing.T) {
	snap := SessionSnapshot{ID: "test-id", Name: "test"}
	body := renderJoined("", snap, Client{Name: "Alice"})

	if !strings.Contains(body, `sse-connect="/session/test-id/events"`) {
		t.Error("Expected the live view to open the event stream")
	}
	for _, event := range []string{eventSessions, eventVotes, eventReset} {
		if !strings.Contains(body, "sse:"+event) {
			t.Errorf("Expected a fragment wired to the %q event", event)
		}
	}
}

func TestRenderRespectsPrefix(t *testing.T) {
	snap := SessionSnapshot{ID: "test-id", Name: "test"}

	body := renderJoined("/poker", snap, Client{Name: "Alice"})
	if !strings.Contains(body, `"/poker/session/test-id/events"`) {
		t.Errorf("Expected prefixed URLs, got %q", body)
	}

	if body := renderIndex("/poker"); !strings.Contains(body, `hx-post="/poker/newSession"`) {
		t.Errorf("Expected prefixed new-session form, got %q", body)
	}
}
