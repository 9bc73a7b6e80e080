package sim

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/crucible-gg/crucible/internal/rules"
)

var tdmParticipants = []string{"p1", "p2", "p3", "p4"}

func testConfig() Config {
	return Config{
		TickInterval:         time.Hour, // ticks are driven manually via RunTick
		LagCompensationTicks: 3,
		DeltaHistorySize:     4,
		KeyframeInterval:     0,
	}
}

type snapshotRecorder struct {
	mu        sync.Mutex
	snapshots map[string][]Snapshot
	resyncs   map[string]int
}

func newSnapshotRecorder() *snapshotRecorder {
	return &snapshotRecorder{
		snapshots: make(map[string][]Snapshot),
		resyncs:   make(map[string]int),
	}
}

func (r *snapshotRecorder) record(sessionID string, snapshot Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[sessionID] = append(r.snapshots[sessionID], snapshot)
}

func (r *snapshotRecorder) resync(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resyncs[sessionID]++
}

func (r *snapshotRecorder) latest(t *testing.T, sessionID string) Snapshot {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := r.snapshots[sessionID]
	if len(snaps) == 0 {
		t.Fatalf("no snapshots recorded for %s", sessionID)
	}
	return snaps[len(snaps)-1]
}

func (r *snapshotRecorder) all(sessionID string) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snapshots[sessionID]...)
}

func testEngine(t *testing.T, config Config) (*Engine, *snapshotRecorder) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)

	ruleset := rules.NewTeamDeathmatch()
	engine, err := NewEngine(logger, "match-1", ruleset, tdmParticipants, config)
	if err != nil {
		t.Fatalf("NewEngine() returned an unexpected error: %s", err)
	}

	recorder := newSnapshotRecorder()
	engine.OnSnapshot = recorder.record
	engine.OnResync = recorder.resync
	engine.Start()
	t.Cleanup(engine.Stop)
	return engine, recorder
}

func TestEngine_InitialSnapshotIsFullWorld(t *testing.T) {
	_, recorder := testEngine(t, testConfig())

	for _, id := range tdmParticipants {
		snapshot := recorder.latest(t, id)
		if !snapshot.Full {
			t.Errorf("initial snapshot for %s is not full", id)
		}

		world, err := ApplySnapshot(nil, snapshot)
		if err != nil {
			t.Fatalf("ApplySnapshot() returned an unexpected error: %s", err)
		}
		// Four players plus the scoreboard.
		if len(world) != 5 {
			t.Errorf("initial world entity count want = 5, got = %d", len(world))
		}
	}
}

func TestEngine_OutOfOrderInputsApplyInSequenceOrder(t *testing.T) {
	run := func() rules.State {
		engine, recorder := testEngine(t, testConfig())

		// Two moves from the same player arrive out of order; sequence order
		// must decide which position wins.
		if err := engine.SubmitInput("p1", 2, 1, []byte(`{"type":"move","x":9,"y":9}`)); err != nil {
			t.Fatalf("SubmitInput() returned an unexpected error: %s", err)
		}
		if err := engine.SubmitInput("p1", 1, 1, []byte(`{"type":"move","x":1,"y":1}`)); err != nil {
			t.Fatalf("SubmitInput() returned an unexpected error: %s", err)
		}
		if err := engine.RunTick(); err != nil {
			t.Fatalf("RunTick() returned an unexpected error: %s", err)
		}

		world, err := ApplySnapshot(nil, recorder.latest(t, "p1"))
		if err != nil {
			t.Fatalf("ApplySnapshot() returned an unexpected error: %s", err)
		}
		return world
	}

	first, second := run(), run()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("identical out-of-order submissions diverged (-first +second):\n%s", diff)
	}

	var player struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := decodeEntity(first, "p1", &player); err != nil {
		t.Fatalf("error decoding player: %s", err)
	}
	if player.X != 9 || player.Y != 9 {
		t.Errorf("highest-sequence move did not win: x=%v y=%v", player.X, player.Y)
	}
}

func TestEngine_LagCompensationWindow(t *testing.T) {
	engine, recorder := testEngine(t, testConfig())

	// Advance well past the window.
	for i := 0; i < 6; i++ {
		if err := engine.RunTick(); err != nil {
			t.Fatalf("RunTick() returned an unexpected error: %s", err)
		}
	}

	// An input for a recent past tick lands; one for an ancient tick is
	// discarded.
	if err := engine.SubmitInput("p1", 1, 5, []byte(`{"type":"move","x":5,"y":5}`)); err != nil {
		t.Fatalf("SubmitInput() returned an unexpected error: %s", err)
	}
	if err := engine.SubmitInput("p2", 2, 1, []byte(`{"type":"move","x":7,"y":7}`)); err != nil {
		t.Fatalf("SubmitInput() returned an unexpected error: %s", err)
	}
	if err := engine.RunTick(); err != nil {
		t.Fatalf("RunTick() returned an unexpected error: %s", err)
	}

	world, err := ApplySnapshot(nil, recorder.latest(t, "p1"))
	if err != nil {
		t.Fatalf("ApplySnapshot() returned an unexpected error: %s", err)
	}

	var p1, p2 struct {
		X float64 `json:"x"`
	}
	if err := decodeEntity(world, "p1", &p1); err != nil {
		t.Fatalf("error decoding p1: %s", err)
	}
	if err := decodeEntity(world, "p2", &p2); err != nil {
		t.Fatalf("error decoding p2: %s", err)
	}
	if p1.X != 5 {
		t.Errorf("input inside the lag window was not applied: x=%v", p1.X)
	}
	if p2.X != 0 {
		t.Errorf("input outside the lag window was applied: x=%v", p2.X)
	}
}

func TestEngine_DeltasAgainstAckedVersion(t *testing.T) {
	engine, recorder := testEngine(t, testConfig())

	base := recorder.latest(t, "p1")
	world, err := ApplySnapshot(nil, base)
	if err != nil {
		t.Fatalf("ApplySnapshot() returned an unexpected error: %s", err)
	}
	if err := engine.Ack("p1", base.Version); err != nil {
		t.Fatalf("Ack() returned an unexpected error: %s", err)
	}

	if err := engine.SubmitInput("p1", 1, 1, []byte(`{"type":"move","x":3,"y":4}`)); err != nil {
		t.Fatalf("SubmitInput() returned an unexpected error: %s", err)
	}
	if err := engine.RunTick(); err != nil {
		t.Fatalf("RunTick() returned an unexpected error: %s", err)
	}

	delta := recorder.latest(t, "p1")
	if delta.Full {
		t.Fatal("acked recipient received a full snapshot instead of a delta")
	}
	if delta.BaseVersion != base.Version {
		t.Errorf("delta base version want = %d, got = %d", base.Version, delta.BaseVersion)
	}

	// Applying the delta yields the same world a fresh full snapshot would.
	applied, err := ApplySnapshot(world, delta)
	if err != nil {
		t.Fatalf("ApplySnapshot() returned an unexpected error: %s", err)
	}

	// And applying it again changes nothing.
	again, err := ApplySnapshot(applied, delta)
	if err != nil {
		t.Fatalf("ApplySnapshot() returned an unexpected error: %s", err)
	}
	if diff := cmp.Diff(applied, again); diff != "" {
		t.Errorf("delta application is not idempotent (-once +twice):\n%s", diff)
	}

	var player struct {
		X float64 `json:"x"`
	}
	if err := decodeEntity(applied, "p1", &player); err != nil {
		t.Fatalf("error decoding player: %s", err)
	}
	if player.X != 3 {
		t.Errorf("delta did not carry the move: x=%v", player.X)
	}
}

func TestEngine_LaggingAckForcesResync(t *testing.T) {
	config := testConfig()
	config.DeltaHistorySize = 2
	engine, recorder := testEngine(t, config)

	base := recorder.latest(t, "p1")
	if err := engine.Ack("p1", base.Version); err != nil {
		t.Fatalf("Ack() returned an unexpected error: %s", err)
	}

	// Tick far enough that version 1 falls out of the retained history.
	for i := 0; i < 4; i++ {
		if err := engine.RunTick(); err != nil {
			t.Fatalf("RunTick() returned an unexpected error: %s", err)
		}
	}

	latest := recorder.latest(t, "p1")
	if !latest.Full {
		t.Error("lagging recipient did not receive a forced full snapshot")
	}
	recorder.mu.Lock()
	resyncs := recorder.resyncs["p1"]
	recorder.mu.Unlock()
	if resyncs == 0 {
		t.Error("forced resync did not fire the resync notification")
	}
}

func TestEngine_JoinReceivesFullSnapshot(t *testing.T) {
	engine, recorder := testEngine(t, testConfig())

	if err := engine.RunTick(); err != nil {
		t.Fatalf("RunTick() returned an unexpected error: %s", err)
	}
	if err := engine.Join("observer"); err != nil {
		t.Fatalf("Join() returned an unexpected error: %s", err)
	}
	if err := engine.RunTick(); err != nil {
		t.Fatalf("RunTick() returned an unexpected error: %s", err)
	}

	snapshot := recorder.latest(t, "observer")
	if !snapshot.Full {
		t.Error("joining recipient's first snapshot is not full")
	}
}

func TestEngine_LeaveStopsDelivery(t *testing.T) {
	engine, recorder := testEngine(t, testConfig())

	if err := engine.Leave("p4"); err != nil {
		t.Fatalf("Leave() returned an unexpected error: %s", err)
	}
	before := len(recorder.all("p4"))

	if err := engine.RunTick(); err != nil {
		t.Fatalf("RunTick() returned an unexpected error: %s", err)
	}
	if got := len(recorder.all("p4")); got != before {
		t.Errorf("departed recipient still receives snapshots: %d -> %d", before, got)
	}
	if engine.Participants() != 3 {
		t.Errorf("participant count want = 3, got = %d", engine.Participants())
	}
}

func TestEngine_FinishedStateStopsTheEngine(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)

	ruleset := rules.NewMoba()
	engine, err := NewEngine(logger, "match-1", ruleset, []string{"p1", "p2"}, testConfig())
	if err != nil {
		t.Fatalf("NewEngine() returned an unexpected error: %s", err)
	}

	finished := make(chan string, 1)
	engine.OnFinished = func(tick uint64, reason string, final rules.State) {
		finished <- reason
	}
	engine.Start()
	defer engine.Stop()

	seq := uint32(1)
	for i := 0; i < 200; i++ {
		if err := engine.SubmitInput("p1", seq, uint64(i+1), []byte(`{"type":"attack_nexus"}`)); err != nil {
			break // engine stopped after the terminal tick
		}
		seq++
		if err := engine.RunTick(); err != nil {
			break
		}
		select {
		case reason := <-finished:
			if reason == "" {
				t.Error("terminal state reported without a reason")
			}
			return
		default:
		}
	}
	t.Fatal("engine never reached the terminal state")
}

func decodeEntity(world rules.State, id string, doc interface{}) error {
	raw, ok := world[id]
	if !ok {
		return fmt.Errorf("entity %s not in world", id)
	}
	return json.Unmarshal(raw, doc)
}
