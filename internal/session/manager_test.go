package session

import (
	"errors"
	"io/ioutil"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crucible-gg/crucible/internal/integrity"
)

func testManager(graceWindow time.Duration) *Manager {
	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)
	monitor := integrity.NewMonitor(integrity.Config{
		SequenceWindow:  32,
		RateCeiling:     30,
		StrikeThreshold: 3,
		MaxPayloadSize:  2048,
	})
	return NewManager(logger, monitor, graceWindow)
}

func authenticatedSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	s := m.Create(nil)
	if err := m.StartAuthentication(s); err != nil {
		t.Fatalf("StartAuthentication() returned an unexpected error: %s", err)
	}
	if err := m.Authenticate(s, 1, "testplayer"); err != nil {
		t.Fatalf("Authenticate() returned an unexpected error: %s", err)
	}
	return s
}

func TestManager_Lifecycle(t *testing.T) {
	m := testManager(time.Minute)
	s := m.Create(nil)

	if s.State() != StateConnecting {
		t.Errorf("new session state want = Connecting, got = %s", s.State())
	}
	if m.Find(s.ID) != s {
		t.Error("Find() did not return the created session")
	}

	if err := m.StartAuthentication(s); err != nil {
		t.Fatalf("StartAuthentication() returned an unexpected error: %s", err)
	}
	if err := m.Authenticate(s, 42, "testplayer"); err != nil {
		t.Fatalf("Authenticate() returned an unexpected error: %s", err)
	}
	if s.State() != StateIdle {
		t.Errorf("authenticated session state want = Idle, got = %s", s.State())
	}
	if s.AccountID() != 42 || s.Username() != "testplayer" {
		t.Errorf("session identity not bound: accountID=%d username=%q", s.AccountID(), s.Username())
	}
}

func TestManager_AuthenticateRequiresAuthenticatingState(t *testing.T) {
	m := testManager(time.Minute)
	s := m.Create(nil)

	err := m.Authenticate(s, 1, "testplayer")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Authenticate() from Connecting want = ErrInvalidTransition, got = %v", err)
	}
}

func TestManager_PartyAndMatchTransitions(t *testing.T) {
	m := testManager(time.Minute)
	s := authenticatedSession(t, m)

	m.SetParty(s, "party-1")
	if s.State() != StateInParty || s.PartyID() != "party-1" {
		t.Errorf("after SetParty state=%s partyID=%q", s.State(), s.PartyID())
	}

	m.SetMatch(s, "match-1")
	if s.State() != StateInMatch || s.MatchID() != "match-1" {
		t.Errorf("after SetMatch state=%s matchID=%q", s.State(), s.MatchID())
	}

	m.ClearMatch(s)
	if s.State() != StateInParty {
		t.Errorf("after ClearMatch with party want = InParty, got = %s", s.State())
	}

	m.ClearParty(s)
	if s.State() != StateIdle {
		t.Errorf("after ClearParty want = Idle, got = %s", s.State())
	}
}

func TestManager_ResumeWithinGraceWindow(t *testing.T) {
	m := testManager(time.Minute)
	s := authenticatedSession(t, m)
	m.SetMatch(s, "match-1")

	seqBefore := s.NextSequence()
	token := m.IssueResumeToken(s)

	m.HandleDisconnect(s)
	if s.State() != StateDisconnected {
		t.Fatalf("after disconnect want = Disconnected, got = %s", s.State())
	}

	resumed, err := m.Resume(s.ID, token, nil)
	if err != nil {
		t.Fatalf("Resume() returned an unexpected error: %s", err)
	}
	if resumed != s {
		t.Fatal("Resume() returned a different session")
	}
	if resumed.State() != StateInMatch {
		t.Errorf("resumed session state want = InMatch, got = %s", resumed.State())
	}
	if resumed.MatchID() != "match-1" {
		t.Errorf("resumed session lost its match reference: %q", resumed.MatchID())
	}
	if got := resumed.NextSequence(); got != seqBefore+1 {
		t.Errorf("sequence counter did not survive the resume: want = %d, got = %d", seqBefore+1, got)
	}
}

func TestManager_ResumeTokenIsSingleUse(t *testing.T) {
	m := testManager(time.Minute)
	s := authenticatedSession(t, m)

	token := m.IssueResumeToken(s)
	m.HandleDisconnect(s)

	if _, err := m.Resume(s.ID, token, nil); err != nil {
		t.Fatalf("first Resume() returned an unexpected error: %s", err)
	}
	if _, err := m.Resume(s.ID, token, nil); !errors.Is(err, ErrSessionConflict) {
		t.Errorf("second Resume() want = ErrSessionConflict, got = %v", err)
	}
}

func TestManager_ResumeUnknownSession(t *testing.T) {
	m := testManager(time.Minute)

	if _, err := m.Resume("nope", "token", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resume() of unknown session want = ErrNotFound, got = %v", err)
	}
}

func TestManager_ResumeWithWrongToken(t *testing.T) {
	m := testManager(time.Minute)
	s := authenticatedSession(t, m)
	m.HandleDisconnect(s)

	if _, err := m.Resume(s.ID, "not-a-token", nil); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Resume() with a bogus token want = ErrInvalidToken, got = %v", err)
	}
}

func TestManager_GraceWindowExpiryClosesSession(t *testing.T) {
	m := testManager(20 * time.Millisecond)
	s := authenticatedSession(t, m)

	closed := make(chan string, 1)
	m.OnClosed = func(sessionID string) { closed <- sessionID }

	m.HandleDisconnect(s)

	select {
	case id := <-closed:
		if id != s.ID {
			t.Errorf("OnClosed fired for %q, want %q", id, s.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("session did not close after the grace window expired")
	}

	if s.State() != StateClosed {
		t.Errorf("expired session state want = Closed, got = %s", s.State())
	}
	if m.Find(s.ID) != nil {
		t.Error("expired session still present in the registry")
	}
}

func TestManager_DisconnectBeforeAuthenticationCloses(t *testing.T) {
	m := testManager(time.Minute)
	s := m.Create(nil)

	m.HandleDisconnect(s)
	if s.State() != StateClosed {
		t.Errorf("unauthenticated disconnect want = Closed, got = %s", s.State())
	}
	if m.Count() != 0 {
		t.Errorf("registry count want = 0, got = %d", m.Count())
	}
}

func TestSession_SendWithoutConnection(t *testing.T) {
	m := testManager(time.Minute)
	s := authenticatedSession(t, m)
	m.HandleDisconnect(s)

	if err := s.Send(struct{}{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() on a disconnected session want = ErrNotConnected, got = %v", err)
	}
}
