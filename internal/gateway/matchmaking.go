package gateway

import (
	"errors"

	"github.com/crucible-gg/crucible/internal/core/bytes"
	"github.com/crucible-gg/crucible/internal/data"
	"github.com/crucible-gg/crucible/internal/matchmaker"
	"github.com/crucible-gg/crucible/internal/packets"
	"github.com/crucible-gg/crucible/internal/session"
)

// handleEnqueue locks the sender's party into the queue and submits a ticket
// for it. Sessions without a party are wrapped in a solo party first.
func (s *Server) handleEnqueue(sess *session.Session, enqueuePkt *packets.Enqueue) error {
	mode := string(bytes.StripPadding(enqueuePkt.Mode[:]))

	info, ok := s.Parties.PartyOf(sess.ID)
	if !ok {
		created, err := s.Parties.Create(sess.ID)
		if err != nil {
			return s.sendEnqueueAck(sess, packets.EnqueueResultPartyBusy, "")
		}
		s.Sessions.SetParty(sess, created.ID)
		info = created
	}

	if info.LeaderID != sess.ID {
		return s.sendEnqueueAck(sess, packets.EnqueueResultNotLeader, "")
	}

	locked, err := s.Parties.Lock(info.ID)
	if err != nil {
		return s.sendEnqueueAck(sess, packets.EnqueueResultPartyBusy, "")
	}

	skill := s.partySkill(locked.Members, mode)

	ticket, err := s.Matchmaker.EnqueueTicket(locked.ID, mode, locked.Members, skill)
	if err != nil {
		if _, unlockErr := s.Parties.Unlock(locked.ID); unlockErr != nil {
			s.Logger.Warnf("[%s] error unlocking party %s: %s", s.Name, locked.ID, unlockErr)
		}
		if errors.Is(err, matchmaker.ErrUnknownMode) {
			return s.sendEnqueueAck(sess, packets.EnqueueResultUnknownMode, "")
		}
		return err
	}

	s.Logger.Infof("[%s] party %s queued for %s at skill %.0f", s.Name, locked.ID, mode, skill)
	s.broadcastPartyUpdate(locked)
	return s.sendEnqueueAck(sess, packets.EnqueueResultOK, ticket.ID)
}

func (s *Server) handleCancelTicket(sess *session.Session, cancelPkt *packets.CancelTicket) error {
	ticketID := string(bytes.StripPadding(cancelPkt.TicketID[:]))

	ticket, err := s.Matchmaker.CancelTicket(ticketID)
	if err != nil {
		// The cancel lost the race or named a dead ticket; report whatever
		// the ticket's actual state is.
		if current, queryErr := s.Matchmaker.QueryStatus(ticketID); queryErr == nil {
			return s.send(sess, ticketStatusPacket(current))
		}
		return s.sendNotice(sess, packets.NoticeOperationFailed, err.Error())
	}

	if info, unlockErr := s.Parties.Unlock(ticket.PartyID); unlockErr == nil {
		s.broadcastPartyUpdate(info)
	}

	for _, memberID := range ticket.Members {
		s.sendToSessionID(memberID, ticketStatusPacket(ticket))
	}
	return nil
}

func (s *Server) handleTicketStatus(sess *session.Session, statusPkt *packets.TicketStatus) error {
	ticketID := string(bytes.StripPadding(statusPkt.TicketID[:]))

	ticket, err := s.Matchmaker.QueryStatus(ticketID)
	if err != nil {
		return s.sendNotice(sess, packets.NoticeOperationFailed, err.Error())
	}
	return s.send(sess, ticketStatusPacket(ticket))
}

// handleTicketExpired releases the party of a ticket that aged out of the
// queue and tells every member.
func (s *Server) handleTicketExpired(ticket matchmaker.Ticket) {
	if info, err := s.Parties.Unlock(ticket.PartyID); err == nil {
		s.broadcastPartyUpdate(info)
	}

	for _, memberID := range ticket.Members {
		s.sendToSessionID(memberID, ticketStatusPacket(ticket))
		if sess := s.Sessions.Find(memberID); sess != nil {
			_ = s.sendNotice(sess, packets.NoticeMatchmakingTimeout, "no match found in time")
		}
	}
}

// partySkill averages the members' per-mode skill ratings. Members whose
// profile cannot be resolved fall back to the default rating.
func (s *Server) partySkill(members []string, mode string) float64 {
	total := 0.0
	for _, memberID := range members {
		rating := float64(data.DefaultSkillRating)

		if member := s.Sessions.Find(memberID); member != nil && s.DB != nil {
			profile, err := data.FindOrCreateProfile(s.DB, member.AccountID(), mode)
			if err != nil {
				s.Logger.Warnf("[%s] error loading profile for %s: %s", s.Name, memberID, err)
			} else {
				rating = float64(profile.SkillRating)
			}
		}
		total += rating
	}
	if len(members) == 0 {
		return data.DefaultSkillRating
	}
	return total / float64(len(members))
}

func (s *Server) sendEnqueueAck(sess *session.Session, result uint32, ticketID string) error {
	pkt := &packets.EnqueueAck{
		Header: packets.Header{Type: packets.EnqueueAckType},
		Result: result,
	}
	packets.CopyID(&pkt.TicketID, ticketID)
	return s.send(sess, pkt)
}

func ticketStatusPacket(ticket matchmaker.Ticket) *packets.TicketStatusUpdate {
	pkt := &packets.TicketStatusUpdate{
		Header: packets.Header{Type: packets.TicketStatusUpdateType},
		Status: statusCode(ticket.Status),
	}
	packets.CopyID(&pkt.TicketID, ticket.ID)
	return pkt
}

func statusCode(status matchmaker.Status) uint32 {
	switch status {
	case matchmaker.StatusMatched:
		return packets.TicketStatusMatched
	case matchmaker.StatusCancelled:
		return packets.TicketStatusCancelled
	case matchmaker.StatusExpired:
		return packets.TicketStatusExpired
	default:
		return packets.TicketStatusQueued
	}
}
