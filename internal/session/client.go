package session

import (
	"net"
	"time"

	"lancollab/pkg/interfaces"
	"lancollab/pkg/protocol"
	"lancollab/pkg/types"
)

// Departure reasons carried by participant_left.
const (
	ReasonLeft             = "left"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonConnectionLost   = "connection_lost"
	ReasonSendFailed       = "send_failed"
	ReasonServerShutdown   = "server_shutdown"
)

// ClientConnection is the session's record of one joined client. The
// manager owns it; callers only ever see ClientInfo copies.
type ClientConnection struct {
	ClientID       string
	Username       string
	Conn           interfaces.Connection
	RemoteIP       net.IP
	UDPAddr        *net.UDPAddr
	VideoEnabled   bool
	AudioEnabled   bool
	IsPresenter    bool
	ConnectionTime time.Time
	LastHeartbeat  time.Time
}

func (c *ClientConnection) info() types.ClientInfo {
	info := types.ClientInfo{
		ClientID:       c.ClientID,
		Username:       c.Username,
		VideoEnabled:   c.VideoEnabled,
		AudioEnabled:   c.AudioEnabled,
		IsPresenter:    c.IsPresenter,
		ConnectionTime: c.ConnectionTime,
		LastHeartbeat:  c.LastHeartbeat,
	}
	if c.RemoteIP != nil {
		info.RemoteAddr = c.RemoteIP.String()
	}
	if c.UDPAddr != nil {
		info.UDPAddr = c.UDPAddr.String()
	}
	return info
}

// Outbound is a message staged by the manager for the network layer.
// A nil Recipient means broadcast to every client except ExcludeID.
type Outbound struct {
	Message     *protocol.Message
	Kind        string
	ExcludeID   string
	Recipient   interfaces.Connection
	RecipientID string
	CloseAfter  bool
}

// IsBroadcast reports whether o goes to every client.
func (o Outbound) IsBroadcast() bool {
	return o.Recipient == nil
}

// Target is a client reachable over its control connection.
type Target struct {
	ClientID string
	Conn     interfaces.Connection
}

func remoteIP(conn interfaces.Connection) net.IP {
	if conn == nil {
		return nil
	}
	addr := conn.RemoteAddr()
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
