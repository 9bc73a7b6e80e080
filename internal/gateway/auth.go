package gateway

import (
	"errors"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/crucible-gg/crucible/internal/auth"
	"github.com/crucible-gg/crucible/internal/core/bytes"
	"github.com/crucible-gg/crucible/internal/core/client"
	"github.com/crucible-gg/crucible/internal/packets"
	"github.com/crucible-gg/crucible/internal/session"
)

func (s *Server) handleLogin(c *client.Client, sess *session.Session, loginPkt *packets.Login) error {
	username := string(bytes.StripPadding(loginPkt.Username[:]))
	password := string(bytes.StripPadding(loginPkt.Password[:]))

	account, err := auth.VerifyAccount(s.DB, username, password)
	if err != nil {
		switch err {
		case auth.ErrInvalidCredentials:
			return s.sendLoginResponse(sess, packets.LoginErrorPassword, "", "", "invalid credentials")
		case auth.ErrAccountBanned:
			return s.sendLoginResponse(sess, packets.LoginErrorBanned, "", "", "account is banned")
		default:
			sendErr := s.sendLoginResponse(sess, packets.LoginErrorUnknown, "", "",
				cases.Title(language.English).String(err.Error()))
			if sendErr != nil {
				return sendErr
			}
			return err
		}
	}

	if err := s.Sessions.Authenticate(sess, account.ID, account.Username); err != nil {
		return err
	}

	token := s.Sessions.IssueResumeToken(sess)
	s.Logger.Infof("[%s] %s authenticated as %s", s.Name, sess.ID, account.Username)
	return s.sendLoginResponse(sess, packets.LoginErrorNone, sess.ID, token, "welcome")
}

// handleResume reattaches this connection to the disconnected session named
// in the packet. The connection's own placeholder session is discarded.
func (s *Server) handleResume(c *client.Client, resumePkt *packets.Resume) error {
	sessionID := string(bytes.StripPadding(resumePkt.SessionID[:]))
	token := string(bytes.StripPadding(resumePkt.Token[:]))

	placeholder := s.Sessions.Find(c.SessionID)

	resumed, err := s.Sessions.Resume(sessionID, token, c)
	if err != nil {
		result := uint32(packets.LoginErrorUnknown)
		message := "resume failed"
		switch {
		case errors.Is(err, session.ErrSessionConflict):
			result = packets.LoginErrorSessionConflict
			message = "session already resumed"
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrInvalidToken):
			message = "unknown session or token"
		}
		if placeholder != nil {
			return s.sendLoginResponse(placeholder, result, "", "", message)
		}
		return err
	}

	// The placeholder session created for this connection is now redundant.
	c.SessionID = resumed.ID
	if placeholder != nil {
		s.Sessions.Close(placeholder)
	}

	if matchID := resumed.MatchID(); matchID != "" {
		if err := s.Matches.HandleRejoin(matchID, resumed.ID); err != nil {
			s.Logger.Warnf("[%s] error rejoining %s to match %s: %s", s.Name, resumed.ID, matchID, err)
		}
	}

	token = s.Sessions.IssueResumeToken(resumed)
	s.Logger.Infof("[%s] %s resumed from %s", s.Name, resumed.ID, c.IPAddr())
	return s.sendLoginResponse(resumed, packets.LoginErrorNone, resumed.ID, token, "session resumed")
}

func (s *Server) sendLoginResponse(sess *session.Session, result uint32, sessionID, token, message string) error {
	pkt := &packets.LoginResponse{
		Header: packets.Header{Type: packets.LoginResponseType},
		Result: result,
	}
	packets.CopyID(&pkt.SessionID, sessionID)
	copy(pkt.ResumeToken[:], token)
	copy(pkt.Message[:], message)
	return s.send(sess, pkt)
}
