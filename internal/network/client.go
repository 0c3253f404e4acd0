package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"lancollab/internal/router"
	"lancollab/internal/session"
	"lancollab/internal/transport"
	"lancollab/pkg/interfaces"
	"lancollab/pkg/protocol"
	"lancollab/pkg/types"
)

// Error codes carried by error messages.
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnknownType    = "unknown_type"
	CodeSenderMismatch = "sender_mismatch"
	CodeRateLimited    = "rate_limited"
	CodeJoinRequired   = "join_required"
	CodeShuttingDown   = "shutting_down"
	CodeRejected       = "rejected"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, router.ErrUnknownMessageType):
		return CodeUnknownType
	case errors.Is(err, router.ErrSenderMismatch):
		return CodeSenderMismatch
	case errors.Is(err, router.ErrRateLimitExceeded):
		return CodeRateLimited
	case errors.Is(err, ErrJoinRequired):
		return CodeJoinRequired
	case errors.Is(err, ErrShuttingDown):
		return CodeShuttingDown
	case protocol.IsProtocolError(err):
		return CodeInvalidMessage
	}
	return CodeRejected
}

func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	conn := transport.NewConn(raw, transport.ConnOptions{
		SendTimeout:  s.opts.SendTimeout,
		QueueSize:    s.opts.SendQueueSize,
		MaxFrameSize: s.opts.MaxFrameSize,
	})
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	log := s.log.WithField("remote", raw.RemoteAddr().String())
	state := &stateMachine{}

	clientID, err := s.join(conn, state)
	if err != nil {
		state.To(StateClosed)
		log.WithError(err).Info("Join handshake failed")
		return
	}
	log = log.WithField("client_id", clientID)

	err = s.receiveLoop(ctx, clientID, conn)
	if errors.Is(err, errLeave) {
		s.disconnect(clientID, session.ReasonLeft, StateGracefulLeave)
		log.Info("Client left")
	} else {
		s.disconnect(clientID, session.ReasonConnectionLost, StateError)
		log.WithError(err).Debug("Connection ended")
	}

	_ = conn.Close()
	state.To(StateClosed)
}

// join runs the handshake. Anything but a valid client_join within the
// join timeout closes the connection without touching the session.
func (s *Server) join(conn *transport.Conn, state *stateMachine) (string, error) {
	_ = conn.SetReadDeadline(s.now().Add(s.opts.JoinTimeout))
	msg, err := conn.Receive()
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("no join received: %w", err)
	}
	if msg.MsgType != protocol.TypeClientJoin {
		s.refuse(conn, msg, ErrJoinRequired)
		return "", ErrJoinRequired
	}
	var p protocol.JoinPayload
	if err := msg.Decode(&p); err != nil {
		s.refuse(conn, msg, err)
		return "", err
	}
	if s.shuttingDown.Load() {
		s.refuse(conn, msg, ErrShuttingDown)
		return "", ErrShuttingDown
	}
	_ = conn.SetReadDeadline(time.Time{})

	clientID := s.session.AddClient(conn, p.Username)
	s.session.UpdateMediaStatus(clientID, &p.VideoEnabled, &p.AudioEnabled)
	state.To(StateActive)

	s.mu.Lock()
	s.clients[clientID] = &clientHandle{conn: conn, state: state}
	s.mu.Unlock()
	s.metrics.SetClients(s.session.ClientCount())

	if err := s.reply(clientID, conn, protocol.TypeWelcome, s.welcome(clientID)); err != nil {
		s.disconnect(clientID, session.ReasonSendFailed, StateError)
		return "", fmt.Errorf("welcome failed: %w", err)
	}
	if info, ok := s.session.GetClient(clientID); ok {
		s.broadcast(protocol.TypeParticipantJoined, &protocol.ParticipantPayload{ClientInfo: info},
			clientID, types.DeliveryPresence)
	}

	s.log.WithFields(logrus.Fields{
		"client_id": clientID,
		"username":  p.Username,
		"remote":    conn.RemoteAddr().String(),
	}).Info("Client joined")
	return clientID, nil
}

func (s *Server) welcome(clientID string) *protocol.WelcomePayload {
	snap := s.session.Snapshot()
	w := &protocol.WelcomePayload{
		ClientID:          clientID,
		SessionID:         snap.SessionID,
		Participants:      snap.Participants,
		ChatHistory:       s.session.GetChatHistory(welcomeHistory),
		SharedFiles:       snap.SharedFiles,
		ActivePresenter:   snap.ActivePresenter,
		ActiveSharer:      snap.ActiveScreenSharer,
		HeartbeatInterval: s.opts.HeartbeatInterval.Seconds(),
		Quality:           qualityPayload(s.monitor.Current()),
	}
	if addr := s.udp.LocalAddr(); addr != nil {
		w.UDPPort = addr.Port
	}
	return w
}

// receiveLoop reads and dispatches messages until the client leaves or
// the connection fails. A bad message is answered with an error and
// the loop carries on.
func (s *Server) receiveLoop(ctx context.Context, clientID string, conn *transport.Conn) error {
	for {
		msg, err := conn.Receive()
		if err != nil {
			if protocol.IsProtocolError(err) {
				s.reject(clientID, conn, nil, err)
				continue
			}
			return err
		}

		err = s.router.Dispatch(ctx, clientID, conn, msg)
		s.hub.FlushPending()
		switch {
		case errors.Is(err, errLeave):
			return errLeave
		case err != nil:
			s.reject(clientID, conn, msg, err)
		default:
			s.session.UpdateClientHeartbeat(clientID)
		}
	}
}

// reject tells the client one message was refused.
func (s *Server) reject(clientID string, conn interfaces.Connection, msg *protocol.Message, err error) {
	p := &protocol.ErrorPayload{Code: errorCode(err), Message: err.Error()}
	fields := logrus.Fields{"client_id": clientID, "code": p.Code}
	if msg != nil {
		p.RefMessageID = msg.MessageID
		p.RefType = msg.MsgType
		fields["msg_type"] = msg.MsgType
	}
	s.log.WithFields(fields).WithError(err).Debug("Rejected message")
	_ = s.reply(clientID, conn, protocol.TypeError, p)
}

// refuse answers a failed handshake and closes the connection.
func (s *Server) refuse(conn *transport.Conn, msg *protocol.Message, err error) {
	out, buildErr := protocol.NewMessage(protocol.TypeError, protocol.ServerID, &protocol.ErrorPayload{
		Code:         errorCode(err),
		Message:      err.Error(),
		RefMessageID: msg.MessageID,
		RefType:      msg.MsgType,
	})
	if buildErr != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SendAndClose(out)
}

// reply sends a server message to one client.
func (s *Server) reply(clientID string, conn interfaces.Connection, msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, protocol.ServerID, payload)
	if err != nil {
		return err
	}
	return s.hub.SendTo(clientID, conn, msg)
}

// broadcast sends a server message to everyone except excludeID.
func (s *Server) broadcast(msgType string, payload any, excludeID, kind string) types.DeliveryReport {
	msg, err := protocol.NewMessage(msgType, protocol.ServerID, payload)
	if err != nil {
		s.log.WithError(err).WithField("msg_type", msgType).Error("Failed to build broadcast")
		return types.DeliveryReport{}
	}
	return s.hub.Broadcast(msg, excludeID, kind)
}

// handlePacket admits a media packet only when it comes from the host
// of its sender's control connection, and refreshes the sender's media
// target from the observed source address.
func (s *Server) handlePacket(pkt *protocol.Packet, raw []byte, from *net.UDPAddr) {
	ip, ok := s.session.PeerIP(pkt.SenderID)
	if !ok {
		s.metrics.PacketDropped("unknown_sender")
		return
	}
	if !ip.Equal(from.IP) {
		s.metrics.PacketDropped("address_mismatch")
		s.log.WithFields(logrus.Fields{
			"sender_id": pkt.SenderID,
			"from":      from.String(),
			"peer_ip":   ip.String(),
		}).Debug("Dropping packet from foreign address")
		return
	}
	s.session.UpdateUDPAddress(pkt.SenderID, from)
	s.relay.HandlePacket(pkt, raw)
}
