package party

import (
	"errors"
	"io/ioutil"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func testService(maxSize int) *Service {
	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)
	return NewService(logger, maxSize)
}

func buildParty(t *testing.T, s *Service, leader string, members ...string) Info {
	t.Helper()
	info, err := s.Create(leader)
	if err != nil {
		t.Fatalf("Create() returned an unexpected error: %s", err)
	}
	for _, m := range members {
		if _, err := s.Invite(leader, m); err != nil {
			t.Fatalf("Invite(%s) returned an unexpected error: %s", m, err)
		}
		if info, err = s.Join(m, info.ID); err != nil {
			t.Fatalf("Join(%s) returned an unexpected error: %s", m, err)
		}
	}
	return info
}

func TestService_CreateInviteJoin(t *testing.T) {
	s := testService(4)
	info := buildParty(t, s, "alice", "bob")

	want := []string{"alice", "bob"}
	if diff := cmp.Diff(want, info.Members); diff != "" {
		t.Errorf("party members mismatch (-want +got):\n%s", diff)
	}
	if info.LeaderID != "alice" {
		t.Errorf("party leader want = alice, got = %s", info.LeaderID)
	}
}

func TestService_JoinRequiresInvitation(t *testing.T) {
	s := testService(4)
	info := buildParty(t, s, "alice")

	if _, err := s.Join("mallory", info.ID); !errors.Is(err, ErrNotInvited) {
		t.Errorf("Join() without an invitation want = ErrNotInvited, got = %v", err)
	}
}

func TestService_SessionBelongsToAtMostOneParty(t *testing.T) {
	s := testService(4)
	buildParty(t, s, "alice")

	if _, err := s.Create("alice"); !errors.Is(err, ErrAlreadyInParty) {
		t.Errorf("second Create() want = ErrAlreadyInParty, got = %v", err)
	}

	other := buildParty(t, s, "carol")
	if _, err := s.Invite("carol", "alice"); err != nil {
		t.Fatalf("Invite() returned an unexpected error: %s", err)
	}
	if _, err := s.Join("alice", other.ID); !errors.Is(err, ErrAlreadyInParty) {
		t.Errorf("cross-party Join() want = ErrAlreadyInParty, got = %v", err)
	}
}

func TestService_PartySizeLimit(t *testing.T) {
	s := testService(2)
	info := buildParty(t, s, "alice", "bob")

	if _, err := s.Invite("alice", "carol"); !errors.Is(err, ErrPartyFull) {
		t.Errorf("Invite() beyond the limit want = ErrPartyFull, got = %v", err)
	}
	_ = info
}

func TestService_LeaderLeavePassesLeadership(t *testing.T) {
	s := testService(4)
	buildParty(t, s, "alice", "bob", "carol")

	info, err := s.Leave("alice")
	if err != nil {
		t.Fatalf("Leave() returned an unexpected error: %s", err)
	}
	if info.LeaderID != "bob" {
		t.Errorf("leadership want = bob, got = %s", info.LeaderID)
	}
}

func TestService_LastMemberLeaveDissolvesParty(t *testing.T) {
	s := testService(4)
	info := buildParty(t, s, "alice")

	if _, err := s.Leave("alice"); err != nil {
		t.Fatalf("Leave() returned an unexpected error: %s", err)
	}
	if _, ok := s.Find(info.ID); ok {
		t.Error("dissolved party still findable")
	}
}

func TestService_KickRequiresLeader(t *testing.T) {
	s := testService(4)
	buildParty(t, s, "alice", "bob", "carol")

	if _, err := s.Kick("bob", "carol"); !errors.Is(err, ErrNotLeader) {
		t.Errorf("Kick() by a member want = ErrNotLeader, got = %v", err)
	}
	info, err := s.Kick("alice", "carol")
	if err != nil {
		t.Fatalf("Kick() by the leader returned an unexpected error: %s", err)
	}
	if len(info.Members) != 2 {
		t.Errorf("member count after kick want = 2, got = %d", len(info.Members))
	}
}

func TestService_QueueLockFreezesMembership(t *testing.T) {
	s := testService(4)
	info := buildParty(t, s, "alice", "bob")

	readyParty(t, s, "alice", "bob")
	if _, err := s.Lock(info.ID); err != nil {
		t.Fatalf("Lock() returned an unexpected error: %s", err)
	}

	if _, err := s.Leave("bob"); !errors.Is(err, ErrPartyQueued) {
		t.Errorf("Leave() while queued want = ErrPartyQueued, got = %v", err)
	}
	if _, err := s.Invite("alice", "carol"); !errors.Is(err, ErrPartyQueued) {
		t.Errorf("Invite() while queued want = ErrPartyQueued, got = %v", err)
	}
	if _, err := s.Kick("alice", "bob"); !errors.Is(err, ErrPartyQueued) {
		t.Errorf("Kick() while queued want = ErrPartyQueued, got = %v", err)
	}

	if _, err := s.Unlock(info.ID); err != nil {
		t.Fatalf("Unlock() returned an unexpected error: %s", err)
	}
	if _, err := s.Leave("bob"); err != nil {
		t.Errorf("Leave() after unlock returned an unexpected error: %s", err)
	}
}

func TestService_LockRequiresReadyCheck(t *testing.T) {
	s := testService(4)
	info := buildParty(t, s, "alice", "bob")

	if _, err := s.Lock(info.ID); !errors.Is(err, ErrNotReady) {
		t.Errorf("Lock() without a ready check want = ErrNotReady, got = %v", err)
	}
}

func TestService_SoloPartyLocksWithoutReadyCheck(t *testing.T) {
	s := testService(4)
	info := buildParty(t, s, "alice")

	if _, err := s.Lock(info.ID); err != nil {
		t.Errorf("Lock() on a solo party returned an unexpected error: %s", err)
	}
}

func TestService_ReadyCheckAllMembersConfirm(t *testing.T) {
	s := testService(4)
	buildParty(t, s, "alice", "bob", "carol")

	results := make(chan bool, 1)
	if _, err := s.StartReadyCheck("alice", time.Second, func(info Info, ready bool) {
		results <- ready
	}); err != nil {
		t.Fatalf("StartReadyCheck() returned an unexpected error: %s", err)
	}

	if err := s.AckReady("bob", true); err != nil {
		t.Fatalf("AckReady(bob) returned an unexpected error: %s", err)
	}
	select {
	case <-results:
		t.Fatal("ready check resolved before every member answered")
	default:
	}

	if err := s.AckReady("carol", true); err != nil {
		t.Fatalf("AckReady(carol) returned an unexpected error: %s", err)
	}
	select {
	case ready := <-results:
		if !ready {
			t.Error("ready check result want = true, got = false")
		}
	case <-time.After(time.Second):
		t.Fatal("ready check did not resolve after every member answered")
	}
}

func TestService_ReadyCheckNegativeAnswerFails(t *testing.T) {
	s := testService(4)
	buildParty(t, s, "alice", "bob")

	results := make(chan bool, 1)
	if _, err := s.StartReadyCheck("alice", time.Second, func(info Info, ready bool) {
		results <- ready
	}); err != nil {
		t.Fatalf("StartReadyCheck() returned an unexpected error: %s", err)
	}
	if err := s.AckReady("bob", false); err != nil {
		t.Fatalf("AckReady() returned an unexpected error: %s", err)
	}

	select {
	case ready := <-results:
		if ready {
			t.Error("ready check result want = false, got = true")
		}
	case <-time.After(time.Second):
		t.Fatal("ready check did not resolve after a negative answer")
	}
}

func TestService_ReadyCheckTimeout(t *testing.T) {
	s := testService(4)
	info := buildParty(t, s, "alice", "bob")

	results := make(chan bool, 1)
	if _, err := s.StartReadyCheck("alice", 20*time.Millisecond, func(info Info, ready bool) {
		results <- ready
	}); err != nil {
		t.Fatalf("StartReadyCheck() returned an unexpected error: %s", err)
	}

	select {
	case ready := <-results:
		if ready {
			t.Error("timed-out ready check result want = false, got = true")
		}
	case <-time.After(time.Second):
		t.Fatal("ready check did not resolve after the timeout")
	}

	if _, err := s.Lock(info.ID); !errors.Is(err, ErrNotReady) {
		t.Errorf("Lock() after a timed-out ready check want = ErrNotReady, got = %v", err)
	}
}

func TestService_MembershipChangeResetsReadyState(t *testing.T) {
	s := testService(4)
	info := buildParty(t, s, "alice", "bob")
	readyParty(t, s, "alice", "bob")

	if _, err := s.Invite("alice", "carol"); err != nil {
		t.Fatalf("Invite() returned an unexpected error: %s", err)
	}
	if _, err := s.Join("carol", info.ID); err != nil {
		t.Fatalf("Join() returned an unexpected error: %s", err)
	}

	if _, err := s.Lock(info.ID); !errors.Is(err, ErrNotReady) {
		t.Errorf("Lock() after membership changed want = ErrNotReady, got = %v", err)
	}
}

// readyParty runs a ready check to completion so the party can be locked.
func readyParty(t *testing.T, s *Service, leader string, members ...string) {
	t.Helper()
	done := make(chan bool, 1)
	if _, err := s.StartReadyCheck(leader, time.Second, func(info Info, ready bool) {
		done <- ready
	}); err != nil {
		t.Fatalf("StartReadyCheck() returned an unexpected error: %s", err)
	}
	for _, m := range members {
		if err := s.AckReady(m, true); err != nil {
			t.Fatalf("AckReady(%s) returned an unexpected error: %s", m, err)
		}
	}
	select {
	case ready := <-done:
		if !ready {
			t.Fatal("ready check failed while preparing the party")
		}
	case <-time.After(time.Second):
		t.Fatal("ready check did not resolve while preparing the party")
	}
}
