package media

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"lancollab/internal/metrics"
	"lancollab/pkg/interfaces"
	"lancollab/pkg/protocol"
	"lancollab/pkg/types"
)

// SharerSource tells the relay who may share right now.
type SharerSource interface {
	ActiveScreenSharer() string
}

// ScreenShareRelay forwards frames of the active screen sharer over the
// reliable control channel.
type ScreenShareRelay struct {
	session SharerSource
	hub     interfaces.Broadcaster

	relayed  atomic.Uint64
	rejected atomic.Uint64

	metrics *metrics.Metrics
	log     *logrus.Entry
}

func NewScreenShareRelay(session SharerSource, hub interfaces.Broadcaster, m *metrics.Metrics) *ScreenShareRelay {
	return &ScreenShareRelay{
		session: session,
		hub:     hub,
		metrics: m,
		log:     logrus.WithField("component", "screen_relay"),
	}
}

// RelayFrame broadcasts msg to everyone but the sender, provided the
// sender is the active sharer at this moment. Any other frame is
// refused with ErrNotActiveSharer and reaches nobody.
func (r *ScreenShareRelay) RelayFrame(senderID string, msg *protocol.Message) (types.DeliveryReport, error) {
	sharer := r.session.ActiveScreenSharer()
	if senderID == "" || sharer != senderID {
		r.rejected.Add(1)
		r.metrics.ScreenFrame("rejected")
		r.log.WithFields(logrus.Fields{
			"sender_id": senderID,
			"sharer":    sharer,
		}).Debug("Rejected screen frame")
		return types.DeliveryReport{}, ErrNotActiveSharer
	}

	r.relayed.Add(1)
	r.metrics.ScreenFrame("relayed")
	return r.hub.Broadcast(msg.WithSender(senderID), senderID, types.DeliveryScreen), nil
}

// Counts returns relayed and rejected frame totals.
func (r *ScreenShareRelay) Counts() (relayed, rejected uint64) {
	return r.relayed.Load(), r.rejected.Load()
}
