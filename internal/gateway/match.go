package gateway

import (
	"errors"

	"github.com/crucible-gg/crucible/internal/core/bytes"
	"github.com/crucible-gg/crucible/internal/match"
	"github.com/crucible-gg/crucible/internal/packets"
	"github.com/crucible-gg/crucible/internal/session"
	"github.com/crucible-gg/crucible/internal/sim"
)

func (s *Server) handleLoadAck(sess *session.Session, loadPkt *packets.LoadAck) error {
	matchID := string(bytes.StripPadding(loadPkt.MatchID[:]))

	if err := s.Matches.HandleLoadAck(matchID, sess.ID); err != nil {
		return s.sendNotice(sess, packets.NoticeOperationFailed, err.Error())
	}
	return nil
}

func (s *Server) handleInput(sess *session.Session, header packets.Header, data []byte) error {
	inputPkt, err := packets.ParseInput(data)
	if err != nil {
		return err
	}

	matchID := sess.MatchID()
	if matchID == "" {
		return s.sendNotice(sess, packets.NoticeOperationFailed, match.ErrNotRunning.Error())
	}

	err = s.Matches.SubmitInput(matchID, sess.ID, header.Sequence, inputPkt.TargetTick, inputPkt.Payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sim.ErrStopped):
		// The match ended between the client's send and our dispatch.
		return nil
	case errors.Is(err, match.ErrNotRunning), errors.Is(err, match.ErrMatchNotFound),
		errors.Is(err, match.ErrNotParticipant):
		return s.sendNotice(sess, packets.NoticeOperationFailed, err.Error())
	default:
		return err
	}
}

func (s *Server) handleSnapshotAck(sess *session.Session, ackPkt *packets.SnapshotAck) error {
	matchID := sess.MatchID()
	if matchID == "" {
		return nil
	}

	err := s.Matches.HandleSnapshotAck(matchID, sess.ID, ackPkt.Version)
	if err != nil && !errors.Is(err, sim.ErrStopped) &&
		!errors.Is(err, match.ErrNotRunning) && !errors.Is(err, match.ErrMatchNotFound) {
		return err
	}
	return nil
}

// handleChat relays a chat line to the rest of the sender's party or match.
func (s *Server) handleChat(sess *session.Session, data []byte) error {
	chatPkt, err := packets.ParseChat(data)
	if err != nil {
		return err
	}

	var recipients []string
	switch chatPkt.Scope {
	case packets.ChatScopeParty:
		info, ok := s.Parties.PartyOf(sess.ID)
		if !ok {
			return s.sendNotice(sess, packets.NoticeOperationFailed, "not in a party")
		}
		recipients = info.Members
	case packets.ChatScopeMatch:
		matchID := sess.MatchID()
		if matchID == "" {
			return s.sendNotice(sess, packets.NoticeOperationFailed, "not in a match")
		}
		m, err := s.Matches.Find(matchID)
		if err != nil {
			return s.sendNotice(sess, packets.NoticeOperationFailed, err.Error())
		}
		recipients = m.Participants()
	default:
		return s.sendNotice(sess, packets.NoticeOperationFailed, "unknown chat scope")
	}

	for _, memberID := range recipients {
		if memberID == sess.ID {
			continue
		}
		relay := &packets.Chat{
			Header:      packets.Header{Type: packets.ChatType},
			Scope:       chatPkt.Scope,
			MessageSize: chatPkt.MessageSize,
			Message:     chatPkt.Message,
		}
		s.sendToSessionID(memberID, relay)
	}
	return nil
}

func (s *Server) notifyMatchFound(sessionID string, m *match.Match) {
	sess := s.Sessions.Find(sessionID)
	if sess == nil {
		return
	}
	s.Sessions.SetMatch(sess, m.ID)

	pkt := &packets.MatchFound{Header: packets.Header{Type: packets.MatchFoundType}}
	packets.CopyID(&pkt.MatchID, m.ID)
	packets.CopyMode(&pkt.Mode, m.Mode)
	if err := s.send(sess, pkt); err != nil {
		s.Logger.Warnf("[%s] error notifying %s of match %s: %s", s.Name, sessionID, m.ID, err)
	}
}

func (s *Server) notifyMatchStart(sessionID string, m *match.Match) {
	pkt := &packets.MatchStart{Header: packets.Header{Type: packets.MatchStartType}, Tick: 1}
	packets.CopyID(&pkt.MatchID, m.ID)
	s.sendToSessionID(sessionID, pkt)
}

func (s *Server) notifyMatchEnd(sessionID string, m *match.Match, reason string) {
	sess := s.Sessions.Find(sessionID)
	if sess == nil {
		return
	}

	pkt := &packets.MatchEnd{
		Header: packets.Header{Type: packets.MatchEndType},
		Reason: endReasonCode(reason),
	}
	packets.CopyID(&pkt.MatchID, m.ID)
	if err := s.send(sess, pkt); err != nil {
		s.Logger.Warnf("[%s] error notifying %s of match end: %s", s.Name, sessionID, err)
	}

	s.Sessions.ClearMatch(sess)
	if partyID := sess.PartyID(); partyID != "" {
		if info, err := s.Parties.Unlock(partyID); err == nil {
			s.broadcastPartyUpdate(info)
		}
	}
}

func (s *Server) notifyMatchAborted(sessionID string, m *match.Match) {
	sess := s.Sessions.Find(sessionID)
	if sess == nil {
		return
	}
	s.Sessions.ClearMatch(sess)
	_ = s.sendNotice(sess, packets.NoticeMatchAborted, "match aborted during loading")
}

func endReasonCode(reason string) uint32 {
	switch reason {
	case match.ReasonCompleted:
		return packets.MatchEndVictory
	case match.ReasonAbandoned:
		return packets.MatchEndParticipantsLeft
	default:
		return packets.MatchEndAbort
	}
}
