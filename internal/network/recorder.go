package network

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lancollab/internal/metrics"
	"lancollab/pkg/interfaces"
	"lancollab/pkg/types"
)

const (
	recorderQueueSize = 1024
	recorderTimeout   = 5 * time.Second
)

type archiveOp struct {
	name string
	fn   func(ctx context.Context) error
}

// recorder feeds the audit archive from a single goroutine so client
// handlers never wait on the database. A nil recorder drops everything.
type recorder struct {
	archive   interfaces.Archive
	sessionID string
	queue     chan archiveOp

	stopOnce sync.Once
	stop     chan struct{}

	metrics *metrics.Metrics
	log     *logrus.Entry
}

func newRecorder(archive interfaces.Archive, sessionID string, m *metrics.Metrics) *recorder {
	if archive == nil {
		return nil
	}
	return &recorder{
		archive:   archive,
		sessionID: sessionID,
		queue:     make(chan archiveOp, recorderQueueSize),
		stop:      make(chan struct{}),
		metrics:   m,
		log:       logrus.WithField("component", "recorder"),
	}
}

func (r *recorder) enqueue(name string, fn func(ctx context.Context) error) {
	if r == nil {
		return
	}
	select {
	case r.queue <- archiveOp{name: name, fn: fn}:
	default:
		r.metrics.ArchiveError()
		r.log.WithField("op", name).Warn("Archive queue full, dropping write")
	}
}

// Publish stores a session event. It implements hub.EventSink.
func (r *recorder) Publish(ev types.SessionEvent) {
	if r == nil {
		return
	}
	r.enqueue("event", func(ctx context.Context) error {
		return r.archive.StoreEvent(ctx, r.sessionID, ev)
	})
}

func (r *recorder) chat(entry types.ChatEntry) {
	if r == nil {
		return
	}
	r.enqueue("chat", func(ctx context.Context) error {
		return r.archive.StoreChat(ctx, r.sessionID, entry)
	})
}

func (r *recorder) file(meta types.FileMetadata) {
	if r == nil {
		return
	}
	r.enqueue("file", func(ctx context.Context) error {
		return r.archive.StoreFile(ctx, r.sessionID, meta)
	})
}

// run records the session start, applies queued writes until close is
// called, drains the queue and records the session end.
func (r *recorder) run(start time.Time, now func() time.Time) error {
	r.apply(archiveOp{name: "session_start", fn: func(ctx context.Context) error {
		return r.archive.RecordSession(ctx, r.sessionID, start)
	}})

	for {
		select {
		case op := <-r.queue:
			r.apply(op)
		case <-r.stop:
			for {
				select {
				case op := <-r.queue:
					r.apply(op)
				default:
					r.apply(archiveOp{name: "session_end", fn: func(ctx context.Context) error {
						return r.archive.EndSession(ctx, r.sessionID, now())
					}})
					return nil
				}
			}
		}
	}
}

func (r *recorder) apply(op archiveOp) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
	defer cancel()
	if err := op.fn(ctx); err != nil {
		r.metrics.ArchiveError()
		r.log.WithError(err).WithField("op", op.name).Warn("Archive write failed")
	}
}

func (r *recorder) close() {
	if r == nil {
		return
	}
	r.stopOnce.Do(func() { close(r.stop) })
}
