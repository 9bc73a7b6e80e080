package gateway

import (
	"time"

	"github.com/crucible-gg/crucible/internal/core/bytes"
	"github.com/crucible-gg/crucible/internal/packets"
	"github.com/crucible-gg/crucible/internal/party"
	"github.com/crucible-gg/crucible/internal/session"
)

func (s *Server) handlePartyCreate(sess *session.Session) error {
	info, err := s.Parties.Create(sess.ID)
	if err != nil {
		return s.sendNotice(sess, packets.NoticeOperationFailed, err.Error())
	}

	s.Sessions.SetParty(sess, info.ID)
	s.broadcastPartyUpdate(info)
	return nil
}

// handlePartyInvite records the invitation and forwards the party's current
// state to the invitee, which carries the party ID they need to join.
func (s *Server) handlePartyInvite(sess *session.Session, invitePkt *packets.PartyInvite) error {
	targetID := string(bytes.StripPadding(invitePkt.TargetID[:]))

	info, err := s.Parties.Invite(sess.ID, targetID)
	if err != nil {
		return s.sendNotice(sess, packets.NoticeOperationFailed, err.Error())
	}

	s.sendToSessionID(targetID, partyUpdatePacket(info))
	return nil
}

func (s *Server) handlePartyJoin(sess *session.Session, joinPkt *packets.PartyJoin) error {
	partyID := string(bytes.StripPadding(joinPkt.PartyID[:]))

	info, err := s.Parties.Join(sess.ID, partyID)
	if err != nil {
		return s.sendNotice(sess, packets.NoticeOperationFailed, err.Error())
	}

	s.Sessions.SetParty(sess, info.ID)
	s.broadcastPartyUpdate(info)
	return nil
}

func (s *Server) handlePartyLeave(sess *session.Session) error {
	info, err := s.Parties.Leave(sess.ID)
	if err != nil {
		return s.sendNotice(sess, packets.NoticeOperationFailed, err.Error())
	}

	s.Sessions.ClearParty(sess)
	// Tell the leaver they are out, then the remaining members the new shape.
	if err := s.send(sess, partyUpdatePacket(party.Info{ID: info.ID})); err != nil {
		return err
	}
	s.broadcastPartyUpdate(info)
	return nil
}

func (s *Server) handlePartyKick(sess *session.Session, kickPkt *packets.PartyKick) error {
	targetID := string(bytes.StripPadding(kickPkt.TargetID[:]))

	info, err := s.Parties.Kick(sess.ID, targetID)
	if err != nil {
		return s.sendNotice(sess, packets.NoticeOperationFailed, err.Error())
	}

	if target := s.Sessions.Find(targetID); target != nil {
		s.Sessions.ClearParty(target)
		s.sendToSessionID(targetID, partyUpdatePacket(party.Info{ID: info.ID}))
	}
	s.broadcastPartyUpdate(info)
	return nil
}

func (s *Server) handleReadyCheck(sess *session.Session) error {
	timeout := time.Duration(s.Config.PartyServer.ReadyCheckTimeout) * time.Second

	info, err := s.Parties.StartReadyCheck(sess.ID, timeout, s.onReadyResult)
	if err != nil {
		return s.sendNotice(sess, packets.NoticeOperationFailed, err.Error())
	}

	for _, memberID := range info.Members {
		if memberID != sess.ID {
			// One packet per recipient; the writer goroutines marshal these
			// concurrently.
			s.sendToSessionID(memberID, &packets.PartyReadyCheck{
				Header: packets.Header{Type: packets.PartyReadyCheckType},
			})
		}
	}
	return nil
}

func (s *Server) handleReadyAck(sess *session.Session, ackPkt *packets.PartyReadyAck) error {
	if err := s.Parties.AckReady(sess.ID, ackPkt.Ready != 0); err != nil {
		return s.sendNotice(sess, packets.NoticeOperationFailed, err.Error())
	}
	return nil
}

// onReadyResult delivers a ready check outcome to the whole party.
func (s *Server) onReadyResult(info party.Info, ready bool) {
	s.broadcastPartyUpdate(info)
	if ready {
		return
	}
	for _, memberID := range info.Members {
		if sess := s.Sessions.Find(memberID); sess != nil {
			_ = s.sendNotice(sess, packets.NoticeOperationFailed, "ready check failed")
		}
	}
}

func (s *Server) broadcastPartyUpdate(info party.Info) {
	for _, memberID := range info.Members {
		s.sendToSessionID(memberID, partyUpdatePacket(info))
	}
}

func partyUpdatePacket(info party.Info) *packets.PartyUpdate {
	pkt := &packets.PartyUpdate{
		Header: packets.Header{Type: packets.PartyUpdateType},
	}
	packets.CopyID(&pkt.PartyID, info.ID)
	packets.CopyID(&pkt.LeaderID, info.LeaderID)
	if info.Locked {
		pkt.Locked = 1
	}
	count := len(info.Members)
	if count > packets.MaxPartyMembers {
		count = packets.MaxPartyMembers
	}
	pkt.MemberCount = uint8(count)
	for i := 0; i < count; i++ {
		packets.CopyID(&pkt.Members[i], info.Members[i])
	}
	return pkt
}
