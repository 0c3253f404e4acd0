package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"lancollab/internal/media"
	"lancollab/internal/router"
	"lancollab/pkg/protocol"
	"lancollab/pkg/types"
)

func (s *Server) registerRoutes() error {
	routes := []struct {
		msgType string
		fn      router.HandlerFunc
		opts    []router.RouteOption
	}{
		{protocol.TypeClientJoin, s.handleRejoin, nil},
		{protocol.TypeClientLeave, s.handleLeave, nil},
		{protocol.TypeHeartbeat, s.handleHeartbeat, nil},
		{protocol.TypeChat, s.handleChat, []router.RouteOption{router.RateLimited()}},
		{protocol.TypePresenterRequest, s.handlePresenterRequest, nil},
		{protocol.TypeScreenShareStart, s.handleScreenShareStart, nil},
		{protocol.TypeScreenShareStop, s.handleScreenShareStop, nil},
		{protocol.TypeScreenShare, s.handleScreenFrame, nil},
		{protocol.TypeFileMetadata, s.handleFileMetadata, nil},
		{protocol.TypeFileUpload, s.handleFileChunk, nil},
		{protocol.TypeFileRequest, s.handleFileRequest, nil},
		{protocol.TypeMediaStatusUpdate, s.handleMediaStatus, nil},
		{protocol.TypeUDPAddressUpdate, s.handleUDPAddress, nil},
	}
	for _, r := range routes {
		if err := s.router.Handle(r.msgType, r.fn, r.opts...); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", r.msgType, err)
		}
	}
	return nil
}

func (s *Server) handleRejoin(context.Context, *router.Request) error {
	return ErrAlreadyJoined
}

func (s *Server) handleLeave(_ context.Context, req *router.Request) error {
	var p protocol.LeavePayload
	if err := req.Message.Decode(&p); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"client_id": req.ClientID,
		"reason":    p.Reason,
	}).Debug("Leave requested")
	return errLeave
}

func (s *Server) handleHeartbeat(_ context.Context, req *router.Request) error {
	s.session.UpdateClientHeartbeat(req.ClientID)
	return s.reply(req.ClientID, req.Conn, protocol.TypeHeartbeatAck, &protocol.HeartbeatAckPayload{
		ServerTime: protocol.Now(),
	})
}

// handleChat appends the line to the history and relays it to everyone
// else with the sender's username stamped on it.
func (s *Server) handleChat(_ context.Context, req *router.Request) error {
	var p protocol.ChatPayload
	if err := req.Message.Decode(&p); err != nil {
		return err
	}
	entry, err := s.session.AddChatMessage(req.ClientID, p.Message)
	if err != nil {
		return err
	}

	msg, err := protocol.NewMessage(protocol.TypeChat, req.ClientID, &protocol.ChatPayload{
		Message:  entry.Message,
		Username: entry.Username,
		EntryID:  entry.ID,
	})
	if err != nil {
		return err
	}
	s.hub.Broadcast(msg, req.ClientID, types.DeliveryChat)
	s.recorder.chat(entry)
	return nil
}

func (s *Server) handlePresenterRequest(_ context.Context, req *router.Request) error {
	ok, reason := s.session.RequestPresenterRole(req.ClientID)
	if !ok {
		return s.reply(req.ClientID, req.Conn, protocol.TypePresenterDenied, &protocol.DeniedPayload{Reason: reason})
	}
	s.announcePresenter(req.ClientID)
	return nil
}

func (s *Server) announcePresenter(clientID string) {
	info, _ := s.session.GetClient(clientID)
	s.broadcast(protocol.TypePresenterGranted, &protocol.PresenterGrantedPayload{
		ClientID: clientID,
		Username: info.Username,
	}, "", types.DeliveryControl)
}

// handleScreenShareStart claims the presenter role on the client's
// behalf when it is free, then starts sharing.
func (s *Server) handleScreenShareStart(_ context.Context, req *router.Request) error {
	if s.session.ActivePresenter() != req.ClientID {
		ok, reason := s.session.RequestPresenterRole(req.ClientID)
		if !ok {
			return s.reply(req.ClientID, req.Conn, protocol.TypeScreenShareError, &protocol.DeniedPayload{Reason: reason})
		}
		s.announcePresenter(req.ClientID)
	}

	ok, reason := s.session.StartScreenSharing(req.ClientID)
	if !ok {
		return s.reply(req.ClientID, req.Conn, protocol.TypeScreenShareError, &protocol.DeniedPayload{Reason: reason})
	}

	info, _ := s.session.GetClient(req.ClientID)
	status := &protocol.ScreenShareStatusPayload{ClientID: req.ClientID, Username: info.Username, Active: true}
	if err := s.reply(req.ClientID, req.Conn, protocol.TypeScreenShareConfirmed, status); err != nil {
		return err
	}
	s.broadcast(protocol.TypeScreenShareStart, status, req.ClientID, types.DeliveryControl)
	return nil
}

func (s *Server) handleScreenShareStop(_ context.Context, req *router.Request) error {
	info, _ := s.session.GetClient(req.ClientID)
	ok, reason := s.session.StopScreenSharing(req.ClientID)
	if !ok {
		return s.reply(req.ClientID, req.Conn, protocol.TypeScreenShareError, &protocol.DeniedPayload{Reason: reason})
	}
	s.broadcast(protocol.TypeScreenShareStop, &protocol.ScreenShareStatusPayload{
		ClientID: req.ClientID,
		Username: info.Username,
		Active:   false,
	}, req.ClientID, types.DeliveryControl)
	return nil
}

// handleScreenFrame relays a frame from the active sharer. Frames from
// anyone else reach nobody; the sender is told why.
func (s *Server) handleScreenFrame(_ context.Context, req *router.Request) error {
	var p protocol.ScreenFramePayload
	if err := req.Message.Decode(&p); err != nil {
		return err
	}
	_, err := s.relay.Screen.RelayFrame(req.ClientID, req.Message)
	if errors.Is(err, media.ErrNotActiveSharer) {
		return s.reply(req.ClientID, req.Conn, protocol.TypeScreenShareError, &protocol.DeniedPayload{
			Reason: err.Error(),
		})
	}
	return err
}

func (s *Server) handleMediaStatus(_ context.Context, req *router.Request) error {
	var p protocol.MediaStatusPayload
	if err := req.Message.Decode(&p); err != nil {
		return err
	}
	info, ok := s.session.UpdateMediaStatus(req.ClientID, p.VideoEnabled, p.AudioEnabled)
	if !ok {
		return nil
	}
	s.broadcast(protocol.TypeParticipantStatusUpdate, &protocol.ParticipantPayload{ClientInfo: info},
		req.ClientID, types.DeliveryPresence)
	return nil
}

// handleUDPAddress registers the client's media port. The host is the
// observed peer of the control connection, never the reported one.
func (s *Server) handleUDPAddress(_ context.Context, req *router.Request) error {
	var p protocol.UDPAddressPayload
	if err := req.Message.Decode(&p); err != nil {
		return err
	}
	ip, ok := s.session.PeerIP(req.ClientID)
	if !ok {
		return nil
	}
	addr := &net.UDPAddr{IP: ip, Port: p.Port}
	s.session.UpdateUDPAddress(req.ClientID, addr)

	s.log.WithFields(logrus.Fields{
		"client_id":     req.ClientID,
		"udp_address":   addr.String(),
		"reported_host": p.Host,
	}).Debug("UDP address registered")
	return nil
}
