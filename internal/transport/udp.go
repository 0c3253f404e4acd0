package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lancollab/internal/metrics"
	"lancollab/pkg/protocol"
)

// PacketHandler receives one media packet, the datagram it was parsed
// from and the sender address. raw is only valid during the call.
type PacketHandler func(pkt *protocol.Packet, raw []byte, from *net.UDPAddr)

// UDPServer owns the media socket.
type UDPServer struct {
	addr string

	mu   sync.RWMutex
	conn *net.UDPConn

	readTimeout time.Duration
	metrics     *metrics.Metrics
	log         *logrus.Entry
}

// NewUDPServer prepares a server for addr. Nothing is bound until
// Listen. m may be nil.
func NewUDPServer(addr string, m *metrics.Metrics) *UDPServer {
	return &UDPServer{
		addr:        addr,
		readTimeout: 250 * time.Millisecond,
		metrics:     m,
		log:         logrus.WithField("component", "udp"),
	}
}

// Listen binds the socket.
func (s *UDPServer) Listen() error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", s.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.WithField("addr", conn.LocalAddr().String()).Info("UDP server listening")
	return nil
}

// ReadLoop reads datagrams until ctx is cancelled or the socket is
// closed. Malformed packets are logged and dropped; handler runs on the
// loop goroutine and must not block.
func (s *UDPServer) ReadLoop(ctx context.Context, handler PacketHandler) error {
	conn := s.socket()
	if conn == nil {
		return ErrNotListening
	}

	buf := make([]byte, protocol.MaxDatagramSize+1)
	for {
		if ctx.Err() != nil {
			return nil
		}

		// Deadline so cancellation is noticed without closing the socket.
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.log.WithError(err).Warn("UDP read failed")
			continue
		}
		if n > protocol.MaxDatagramSize {
			s.metrics.PacketDropped("oversized")
			s.log.WithField("from", from.String()).Debug("Dropping oversized datagram")
			continue
		}

		pkt, err := protocol.ParsePacket(buf[:n])
		if err != nil {
			s.metrics.PacketDropped("malformed")
			s.log.WithFields(logrus.Fields{
				"from":  from.String(),
				"error": err,
			}).Debug("Dropping malformed packet")
			continue
		}
		handler(pkt, buf[:n], from)
	}
}

// SendPacket writes a raw datagram to addr.
func (s *UDPServer) SendPacket(data []byte, addr *net.UDPAddr) error {
	if len(data) > protocol.MaxDatagramSize {
		return ErrDatagramTooLarge
	}
	conn := s.socket()
	if conn == nil {
		return ErrNotListening
	}
	_, err := conn.WriteToUDP(data, addr)
	return err
}

// LocalAddr returns the bound address, or nil before Listen.
func (s *UDPServer) LocalAddr() *net.UDPAddr {
	conn := s.socket()
	if conn == nil {
		return nil
	}
	return conn.LocalAddr().(*net.UDPAddr)
}

func (s *UDPServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *UDPServer) socket() *net.UDPConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}
