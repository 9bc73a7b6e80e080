// Package gateway implements the game protocol backend: it authenticates
// connections into sessions, enforces the integrity bounds on every inbound
// message, and routes validated messages to the party, matchmaking, and match
// components.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/crucible-gg/crucible/internal/core"
	"github.com/crucible-gg/crucible/internal/core/bytes"
	"github.com/crucible-gg/crucible/internal/core/client"
	"github.com/crucible-gg/crucible/internal/data"
	"github.com/crucible-gg/crucible/internal/integrity"
	"github.com/crucible-gg/crucible/internal/match"
	"github.com/crucible-gg/crucible/internal/matchmaker"
	"github.com/crucible-gg/crucible/internal/packets"
	"github.com/crucible-gg/crucible/internal/party"
	"github.com/crucible-gg/crucible/internal/session"
	"github.com/crucible-gg/crucible/internal/sim"
)

// Copyright message sent to every client in the welcome packet.
var gatewayCopyright = []byte("Crucible Game Session Server. Copyright 2024 Crucible Games.")

// errDropMessage is checkIntegrity's verdict for a message that must be
// discarded without dispatching its handler but without ending the
// connection.
var errDropMessage = errors.New("message dropped")

// Server is the GATEWAY backend. One instance serves every connection
// regardless of transport; the frontends own the sockets.
type Server struct {
	Name   string
	Config *core.Config
	Logger *logrus.Logger

	DB         *gorm.DB
	Sessions   *session.Manager
	Parties    *party.Service
	Matchmaker *matchmaker.Matchmaker
	Matches    *match.Orchestrator

	initOnce sync.Once
}

func (s *Server) Identifier() string {
	return s.Name
}

// Init wires the matchmaker and orchestrator callbacks back into the session
// layer. Both frontends share one Server, so the wiring happens exactly once.
func (s *Server) Init(_ context.Context) error {
	s.initOnce.Do(func() {
		s.Matchmaker.OnMatch = func(mode string, tickets []matchmaker.Ticket) {
			if _, err := s.Matches.CreateMatch(mode, tickets); err != nil {
				s.Logger.Errorf("[%s] error creating match for %s: %s", s.Name, mode, err)
			}
		}
		s.Matchmaker.OnExpired = s.handleTicketExpired

		s.Matches.OnMatchFound = s.notifyMatchFound
		s.Matches.OnMatchStart = s.notifyMatchStart
		s.Matches.OnMatchEnd = s.notifyMatchEnd
		s.Matches.OnMatchAborted = s.notifyMatchAborted
		s.Matches.OnSnapshot = s.deliverSnapshot
		s.Matches.OnResync = s.notifyResync

		s.Sessions.OnClosed = s.releaseSessionRefs
	})
	return nil
}

func (s *Server) SetUpClient(c *client.Client) {
	c.CryptoSession = client.NewCryptoSession()
	sess := s.Sessions.Create(c)
	c.SessionID = sess.ID
	c.DebugTags["server_type"] = "gateway"
}

// Handshake sends the unencrypted welcome packet carrying the cipher vectors
// and moves the session into the authenticating state.
func (s *Server) Handshake(c *client.Client) error {
	pkt := &packets.Welcome{
		Header: packets.Header{Type: packets.WelcomeType, Size: 0x90},
	}
	copy(pkt.Copyright[:], gatewayCopyright)
	copy(pkt.ServerVector[:], c.CryptoSession.ServerVector())
	copy(pkt.ClientVector[:], c.CryptoSession.ClientVector())

	if err := c.SendRaw(pkt); err != nil {
		return err
	}

	sess := s.Sessions.Find(c.SessionID)
	if sess == nil {
		return session.ErrNotFound
	}
	return s.Sessions.StartAuthentication(sess)
}

func (s *Server) Handle(ctx context.Context, c *client.Client, data []byte) error {
	var header packets.Header
	bytes.StructFromBytes(data[:packets.HeaderSize], &header)

	sess := s.Sessions.Find(c.SessionID)
	if sess == nil {
		// The session expired out from under the connection.
		return s.sendDisconnect(c, packets.DisconnectReasonLogout)
	}

	if err := s.checkIntegrity(c, sess, header, len(data)); err != nil {
		if errors.Is(err, errDropMessage) {
			return nil
		}
		return err
	}
	sess.Touch()

	var err error
	switch header.Type {
	case packets.LoginType:
		var loginPkt packets.Login
		bytes.StructFromBytes(data, &loginPkt)
		err = s.handleLogin(c, sess, &loginPkt)
	case packets.ResumeType:
		var resumePkt packets.Resume
		bytes.StructFromBytes(data, &resumePkt)
		err = s.handleResume(c, &resumePkt)
	case packets.PingType:
		err = s.send(sess, &packets.Pong{Header: packets.Header{Type: packets.PongType}})
	case packets.DisconnectType:
		// Just wait until we recv 0 from the client to disconnect.
		break

	case packets.PartyCreateType:
		err = s.handlePartyCreate(sess)
	case packets.PartyInviteType:
		var invitePkt packets.PartyInvite
		bytes.StructFromBytes(data, &invitePkt)
		err = s.handlePartyInvite(sess, &invitePkt)
	case packets.PartyJoinType:
		var joinPkt packets.PartyJoin
		bytes.StructFromBytes(data, &joinPkt)
		err = s.handlePartyJoin(sess, &joinPkt)
	case packets.PartyLeaveType:
		err = s.handlePartyLeave(sess)
	case packets.PartyKickType:
		var kickPkt packets.PartyKick
		bytes.StructFromBytes(data, &kickPkt)
		err = s.handlePartyKick(sess, &kickPkt)
	case packets.PartyReadyCheckType:
		err = s.handleReadyCheck(sess)
	case packets.PartyReadyAckType:
		var ackPkt packets.PartyReadyAck
		bytes.StructFromBytes(data, &ackPkt)
		err = s.handleReadyAck(sess, &ackPkt)

	case packets.EnqueueType:
		var enqueuePkt packets.Enqueue
		bytes.StructFromBytes(data, &enqueuePkt)
		err = s.handleEnqueue(sess, &enqueuePkt)
	case packets.CancelTicketType:
		var cancelPkt packets.CancelTicket
		bytes.StructFromBytes(data, &cancelPkt)
		err = s.handleCancelTicket(sess, &cancelPkt)
	case packets.TicketStatusType:
		var statusPkt packets.TicketStatus
		bytes.StructFromBytes(data, &statusPkt)
		err = s.handleTicketStatus(sess, &statusPkt)

	case packets.LoadAckType:
		var loadPkt packets.LoadAck
		bytes.StructFromBytes(data, &loadPkt)
		err = s.handleLoadAck(sess, &loadPkt)
	case packets.InputType:
		err = s.handleInput(sess, header, data)
	case packets.SnapshotAckType:
		var snapAckPkt packets.SnapshotAck
		bytes.StructFromBytes(data, &snapAckPkt)
		err = s.handleSnapshotAck(sess, &snapAckPkt)
	case packets.ChatType:
		err = s.handleChat(sess, data)

	default:
		s.Logger.Infof("received unknown packet %x from %s", header.Type, c.IPAddr())
	}

	return err
}

// HandleDisconnect puts the session into its reconnect grace window when the
// connection goes away.
func (s *Server) HandleDisconnect(c *client.Client) {
	sess := s.Sessions.Find(c.SessionID)
	if sess == nil {
		return
	}
	// Only react if the dropped connection is still the session's current
	// one; a resumed session has already moved on.
	if sess.Client() != c {
		return
	}
	s.Sessions.HandleDisconnect(sess)
}

// checkIntegrity validates the message against the session's protocol bounds.
// A rejected message is never dispatched: the caller gets errDropMessage for
// anything below the strike threshold (stale and replayed sequence numbers
// don't even earn a strike), and a fatal error once the threshold is crossed.
func (s *Server) checkIntegrity(c *client.Client, sess *session.Session, header packets.Header, packetSize int) error {
	checkErr := sess.Tracker.Check(stageFor(sess.State()), header, packetSize, time.Now())
	if checkErr == nil {
		return nil
	}

	if isSequenceDrop(checkErr) {
		s.Logger.Debugf("[%s] dropping message from %s: %s", s.Name, sess.ID, checkErr)
		return errDropMessage
	}

	if isRateDrop(checkErr) {
		// Admission control: drop the newest message and tell the client.
		_ = s.sendNotice(sess, packets.NoticeRateExceeded, "message rate exceeded")
	}

	strikes, exceeded := sess.Tracker.RecordViolation()
	s.Logger.Warnf("[%s] integrity violation by %s (strike %d): %s", s.Name, sess.ID, strikes, checkErr)

	if !exceeded {
		return errDropMessage
	}

	if s.DB != nil && sess.AccountID() != 0 {
		flag := &data.IntegrityFlag{
			AccountID: sess.AccountID(),
			SessionID: sess.ID,
			Reason:    checkErr.Error(),
			Strikes:   strikes,
			CreatedAt: time.Now(),
		}
		if err := data.CreateIntegrityFlag(s.DB, flag); err != nil {
			s.Logger.Errorf("[%s] error persisting integrity flag: %s", s.Name, err)
		}
	}

	_ = s.sendDisconnect(c, packets.DisconnectReasonIntegrity)
	return fmt.Errorf("%w: %s", integrity.ErrStrikeThreshold, checkErr)
}

func stageFor(state session.State) integrity.Stage {
	switch state {
	case session.StateIdle:
		return integrity.StageIdle
	case session.StateInParty:
		return integrity.StageInParty
	case session.StateInMatch:
		return integrity.StageInMatch
	default:
		return integrity.StageAuthenticating
	}
}

func isSequenceDrop(err error) bool {
	return errors.Is(err, integrity.ErrStaleSequence) || errors.Is(err, integrity.ErrReplayedSequence)
}

func isRateDrop(err error) bool {
	return errors.Is(err, integrity.ErrRateExceeded)
}

// releaseSessionRefs cleans up whatever the closed session was attached to.
func (s *Server) releaseSessionRefs(sessionID string) {
	if info, ok := s.Parties.Remove(sessionID); ok {
		s.broadcastPartyUpdate(info)
	}
	// The session registry entry is already gone by the time OnClosed fires,
	// so the orchestrator's own registry is the source of truth here.
	for _, m := range s.Matches.MatchesFor(sessionID) {
		if err := s.Matches.HandleLeave(m.ID, sessionID); err != nil {
			s.Logger.Debugf("[%s] error detaching %s from match %s: %s", s.Name, sessionID, m.ID, err)
		}
	}
}

// send delivers a packet to the session, stamping the server-side sequence.
func (s *Server) send(sess *session.Session, packet interface{}) error {
	stampSequence(packet, sess.NextSequence())
	err := sess.Send(packet)
	if err == session.ErrNotConnected {
		// The recipient is in their grace window; drop silently.
		return nil
	}
	if err == client.ErrSendQueueFull {
		s.Logger.Warnf("[%s] outbound queue full for %s", s.Name, sess.ID)
		return nil
	}
	return err
}

func (s *Server) sendToSessionID(sessionID string, packet interface{}) {
	sess := s.Sessions.Find(sessionID)
	if sess == nil {
		return
	}
	if err := s.send(sess, packet); err != nil {
		s.Logger.Warnf("[%s] error sending to %s: %s", s.Name, sessionID, err)
	}
}

func (s *Server) sendNotice(sess *session.Session, code uint32, message string) error {
	pkt := &packets.Notice{
		Header: packets.Header{Type: packets.NoticeType},
		Code:   code,
	}
	copy(pkt.Message[:], message)
	return s.send(sess, pkt)
}

func (s *Server) sendDisconnect(c *client.Client, reason uint32) error {
	pkt := &packets.Disconnect{
		Header: packets.Header{Type: packets.DisconnectType},
		Reason: reason,
	}
	return c.Send(pkt)
}

func (s *Server) deliverSnapshot(sessionID string, snapshot sim.Snapshot) {
	pkt := &packets.Snapshot{
		Header:      packets.Header{Type: packets.SnapshotType},
		Version:     snapshot.Version,
		BaseVersion: snapshot.BaseVersion,
		Tick:        snapshot.Tick,
		PayloadSize: uint32(len(snapshot.Payload)),
		Payload:     snapshot.Payload,
	}
	if snapshot.Full {
		pkt.Full = 1
	}
	s.sendToSessionID(sessionID, pkt)
}

// stampSequence writes the server-side sequence number into the packet's
// header. Every outbound packet shares the embedded Header shape.
func stampSequence(packet interface{}, sequence uint32) {
	v := reflect.ValueOf(packet)
	if v.Kind() != reflect.Ptr {
		return
	}
	header := v.Elem().FieldByName("Header")
	if !header.IsValid() {
		return
	}
	field := header.FieldByName("Sequence")
	if field.IsValid() && field.CanSet() {
		field.SetUint(uint64(sequence))
	}
}

func (s *Server) notifyResync(sessionID string) {
	sess := s.Sessions.Find(sessionID)
	if sess == nil {
		return
	}
	_ = s.sendNotice(sess, packets.NoticeDesyncResync, "snapshot ack lagged; full resync sent")
}
