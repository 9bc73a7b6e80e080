package match

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/crucible-gg/crucible/internal/data"
	"github.com/crucible-gg/crucible/internal/matchmaker"
	"github.com/crucible-gg/crucible/internal/rules"
	"github.com/crucible-gg/crucible/internal/sim"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(ioutil.Discard)
	return l
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("error opening test database: %s", err)
	}
	if err := db.AutoMigrate(&data.MatchResult{}); err != nil {
		t.Fatalf("error migrating test database: %s", err)
	}
	return db
}

func testSimConfig() sim.Config {
	return sim.Config{
		TickInterval:         10 * time.Millisecond,
		LagCompensationTicks: 3,
		DeltaHistorySize:     8,
	}
}

type fakeRequeuer struct {
	mu      sync.Mutex
	tickets []matchmaker.Ticket
}

func (f *fakeRequeuer) EnqueueWithPriority(partyID, mode string, members []string, skill float64) (matchmaker.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := matchmaker.Ticket{PartyID: partyID, Mode: mode, Members: members, Skill: skill}
	f.tickets = append(f.tickets, t)
	return t, nil
}

func (f *fakeRequeuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickets)
}

func tdmTickets() []matchmaker.Ticket {
	return []matchmaker.Ticket{
		{ID: "t1", PartyID: "party-1", Mode: "fps_tdm", Members: []string{"p1", "p2"}, Skill: 1050},
		{ID: "t2", PartyID: "party-2", Mode: "fps_tdm", Members: []string{"p3", "p4"}, Skill: 950},
	}
}

func testOrchestrator(t *testing.T, db *gorm.DB, requeuer Requeuer, loadTimeout time.Duration) *Orchestrator {
	t.Helper()
	return NewOrchestrator(testLogger(), rules.DefaultRegistry(), db, requeuer, testSimConfig(), loadTimeout)
}

func TestOrchestrator_FullLifecycle(t *testing.T) {
	db := openTestDB(t)
	o := testOrchestrator(t, db, nil, time.Minute)

	started := make(chan string, 4)
	o.OnMatchStart = func(sessionID string, m *Match) { started <- sessionID }

	m, err := o.CreateMatch("fps_tdm", tdmTickets())
	if err != nil {
		t.Fatalf("CreateMatch() returned an unexpected error: %s", err)
	}
	if m.Phase() != PhaseForming {
		t.Fatalf("new match phase want = Forming, got = %s", m.Phase())
	}

	for _, sessionID := range []string{"p1", "p2", "p3", "p4"} {
		if err := o.HandleLoadAck(m.ID, sessionID); err != nil {
			t.Fatalf("HandleLoadAck(%s) returned an unexpected error: %s", sessionID, err)
		}
	}

	for i := 0; i < 4; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("match did not start after every participant acked")
		}
	}
	if m.Phase() != PhaseRunning {
		t.Errorf("match phase after all acks want = Running, got = %s", m.Phase())
	}
}

func TestOrchestrator_LoadTimeoutAbortsAndRequeuesSurvivors(t *testing.T) {
	requeuer := &fakeRequeuer{}
	o := testOrchestrator(t, nil, requeuer, 30*time.Millisecond)

	aborted := make(chan string, 4)
	o.OnMatchAborted = func(sessionID string, m *Match) { aborted <- sessionID }

	m, err := o.CreateMatch("fps_tdm", tdmTickets())
	if err != nil {
		t.Fatalf("CreateMatch() returned an unexpected error: %s", err)
	}

	// Only party-1 finishes loading.
	if err := o.HandleLoadAck(m.ID, "p1"); err != nil {
		t.Fatalf("HandleLoadAck() returned an unexpected error: %s", err)
	}
	if err := o.HandleLoadAck(m.ID, "p2"); err != nil {
		t.Fatalf("HandleLoadAck() returned an unexpected error: %s", err)
	}

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("match did not abort after the load timeout")
	}

	if m.Phase() != PhaseClosed {
		t.Errorf("aborted match phase want = Closed, got = %s", m.Phase())
	}
	if requeuer.count() != 1 {
		t.Errorf("priority requeue count want = 1 (the loaded party), got = %d", requeuer.count())
	}
	if _, err := o.Find(m.ID); !errors.Is(err, ErrMatchNotFound) {
		t.Errorf("aborted match still in the registry: %v", err)
	}
}

func TestOrchestrator_EndFlushesMatchResult(t *testing.T) {
	db := openTestDB(t)
	o := testOrchestrator(t, db, nil, time.Minute)

	ended := make(chan string, 2)
	o.OnMatchEnd = func(sessionID string, m *Match, reason string) { ended <- reason }

	m, err := o.CreateMatch("moba", []matchmaker.Ticket{
		{ID: "t1", PartyID: "party-1", Mode: "moba", Members: []string{"p1"}, Skill: 1000},
		{ID: "t2", PartyID: "party-2", Mode: "moba", Members: []string{"p2"}, Skill: 1000},
	})
	if err != nil {
		t.Fatalf("CreateMatch() returned an unexpected error: %s", err)
	}
	if err := o.HandleLoadAck(m.ID, "p1"); err != nil {
		t.Fatalf("HandleLoadAck() returned an unexpected error: %s", err)
	}
	if err := o.HandleLoadAck(m.ID, "p2"); err != nil {
		t.Fatalf("HandleLoadAck() returned an unexpected error: %s", err)
	}

	// Hammer the enemy nexus until the ruleset reports a terminal state.
	deadline := time.After(5 * time.Second)
	seq := uint32(1)
	tick := uint64(1)
	for {
		err := o.SubmitInput(m.ID, "p1", seq, tick, []byte(`{"type":"attack_nexus"}`))
		if errors.Is(err, ErrMatchNotFound) || errors.Is(err, ErrNotRunning) {
			break // match already ended
		}
		if err != nil && !errors.Is(err, sim.ErrStopped) {
			t.Fatalf("SubmitInput() returned an unexpected error: %s", err)
		}
		seq++
		tick++
		select {
		case <-deadline:
			t.Fatal("match never reached a terminal state")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	select {
	case reason := <-ended:
		if reason != ReasonCompleted {
			t.Errorf("end reason want = %s, got = %s", ReasonCompleted, reason)
		}
	case <-time.After(time.Second):
		t.Fatal("OnMatchEnd never fired")
	}

	results, err := data.FindMatchResults(db, m.ID)
	if err != nil {
		t.Fatalf("FindMatchResults() returned an unexpected error: %s", err)
	}
	if len(results) != 1 {
		t.Fatalf("persisted result count want = 1, got = %d", len(results))
	}
	if results[0].Mode != "moba" || results[0].Reason != ReasonCompleted {
		t.Errorf("persisted result mismatch: mode=%s reason=%s", results[0].Mode, results[0].Reason)
	}
	if results[0].Summary == "" || results[0].Summary == "{}" {
		t.Error("persisted result has no final state summary")
	}
}

func TestOrchestrator_InputFromNonParticipantRejected(t *testing.T) {
	o := testOrchestrator(t, nil, nil, time.Minute)

	m, err := o.CreateMatch("fps_tdm", tdmTickets())
	if err != nil {
		t.Fatalf("CreateMatch() returned an unexpected error: %s", err)
	}
	for _, sessionID := range []string{"p1", "p2", "p3", "p4"} {
		if err := o.HandleLoadAck(m.ID, sessionID); err != nil {
			t.Fatalf("HandleLoadAck() returned an unexpected error: %s", err)
		}
	}

	err = o.SubmitInput(m.ID, "intruder", 1, 1, []byte(`{"type":"move","x":1,"y":1}`))
	if !errors.Is(err, ErrNotParticipant) {
		t.Errorf("SubmitInput() from an outsider want = ErrNotParticipant, got = %v", err)
	}
}

func TestOrchestrator_InputBeforeRunningRejected(t *testing.T) {
	o := testOrchestrator(t, nil, nil, time.Minute)

	m, err := o.CreateMatch("fps_tdm", tdmTickets())
	if err != nil {
		t.Fatalf("CreateMatch() returned an unexpected error: %s", err)
	}

	err = o.SubmitInput(m.ID, "p1", 1, 1, []byte(`{"type":"move","x":1,"y":1}`))
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("SubmitInput() while forming want = ErrNotRunning, got = %v", err)
	}
}

// TestMatchmakerToFirstSnapshot walks the full path: two parties of two
// queue for fps_tdm, the matchmaker forms a four-player candidate, the
// orchestrator runs the load phase, and the first snapshot every player
// receives describes all four of them.
func TestMatchmakerToFirstSnapshot(t *testing.T) {
	db := openTestDB(t)
	o := testOrchestrator(t, db, nil, time.Minute)

	mm := matchmaker.New(testLogger(), matchmaker.Config{
		PassInterval:  time.Hour,
		InitialRadius: 100,
		MaxRadius:     500,
		MaxWait:       time.Hour,
	}, rules.DefaultRegistry().ModeSizes())
	mm.Start()
	defer mm.Stop()

	created := make(chan *Match, 1)
	mm.OnMatch = func(mode string, tickets []matchmaker.Ticket) {
		m, err := o.CreateMatch(mode, tickets)
		if err != nil {
			t.Errorf("CreateMatch() returned an unexpected error: %s", err)
			return
		}
		created <- m
	}

	var (
		mu        sync.Mutex
		snapshots = make(map[string]sim.Snapshot)
	)
	o.OnSnapshot = func(sessionID string, snapshot sim.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := snapshots[sessionID]; !ok {
			snapshots[sessionID] = snapshot
		}
	}

	if _, err := mm.EnqueueTicket("party-1", "fps_tdm", []string{"p1", "p2"}, 1050); err != nil {
		t.Fatalf("EnqueueTicket() returned an unexpected error: %s", err)
	}
	if _, err := mm.EnqueueTicket("party-2", "fps_tdm", []string{"p3", "p4"}, 950); err != nil {
		t.Fatalf("EnqueueTicket() returned an unexpected error: %s", err)
	}
	if err := mm.RunPass(); err != nil {
		t.Fatalf("RunPass() returned an unexpected error: %s", err)
	}

	var m *Match
	select {
	case m = <-created:
	case <-time.After(time.Second):
		t.Fatal("matchmaker pass did not produce a match")
	}

	players := []string{"p1", "p2", "p3", "p4"}
	for _, sessionID := range players {
		if err := o.HandleLoadAck(m.ID, sessionID); err != nil {
			t.Fatalf("HandleLoadAck(%s) returned an unexpected error: %s", sessionID, err)
		}
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		got := len(snapshots)
		mu.Unlock()
		if got == len(players) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d of %d players received a first snapshot", got, len(players))
		default:
			time.Sleep(time.Millisecond)
		}
	}

	for _, sessionID := range players {
		mu.Lock()
		snapshot := snapshots[sessionID]
		mu.Unlock()

		if !snapshot.Full {
			t.Errorf("first snapshot for %s is not full", sessionID)
		}
		var doc struct {
			Entities map[string]json.RawMessage `json:"entities"`
		}
		if err := json.Unmarshal(snapshot.Payload, &doc); err != nil {
			t.Fatalf("error decoding snapshot payload: %s", err)
		}
		playerEntities := 0
		for _, id := range players {
			if _, ok := doc.Entities[id]; ok {
				playerEntities++
			}
		}
		if playerEntities != 4 {
			t.Errorf("first snapshot for %s describes %d players, want 4", sessionID, playerEntities)
		}
	}
}
