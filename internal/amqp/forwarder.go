package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"ledgersync/internal/cache"
	"ledgersync/internal/core"
	"ledgersync/internal/events"
	"ledgersync/internal/log"
)

// Publisher is the sending half of Client.
type Publisher interface {
	PublishChange(ctx context.Context, msg *ChangeMessage) error
}

// Forwarder publishes the commits of one session. Handle is subscribed to
// the session's event bus and never blocks it; Run does the publishing.
type Forwarder struct {
	pub       Publisher
	userID    string
	sessionID string
	queue     chan *ChangeMessage
	dropped   atomic.Int64
	logger    *slog.Logger
}

func NewForwarder(pub Publisher, userID, sessionID string, buffer int) *Forwarder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Forwarder{
		pub:       pub,
		userID:    userID,
		sessionID: sessionID,
		queue:     make(chan *ChangeMessage, buffer),
		logger:    slog.Default().With(log.FieldComponent, log.ComponentAMQP),
	}
}

// Handle queues committed changes for publishing.
func (f *Forwarder) Handle(ctx context.Context, c events.Change) {
	if c.Reason != events.Committed || c.Err != nil {
		return
	}
	msg, err := FromChange(c, f.userID, f.sessionID)
	if err != nil {
		f.logger.WarnContext(ctx, "Cannot forward change", log.FieldEntityID, c.Key.ID, "error", err)
		return
	}
	select {
	case f.queue <- msg:
	default:
		f.dropped.Add(1)
		f.logger.WarnContext(ctx, "Forward queue full, dropping change message",
			log.FieldEntityKind, string(msg.Kind), log.FieldEntityID, msg.ID)
	}
}

// Run publishes queued messages until ctx ends. Publish failures are
// logged; consumers catch up from the ledger's change feed.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-f.queue:
			if err := f.pub.PublishChange(ctx, msg); err != nil {
				f.logger.WarnContext(ctx, "Failed to publish change message",
					log.FieldEntityKind, string(msg.Kind), log.FieldEntityID, msg.ID, "error", err)
			}
		}
	}
}

// Flush publishes whatever is still queued and returns once the queue is
// empty. Run it after Run has stopped to avoid losing the tail on exit.
func (f *Forwarder) Flush(ctx context.Context) error {
	for {
		select {
		case msg := <-f.queue:
			if err := f.pub.PublishChange(ctx, msg); err != nil {
				return fmt.Errorf("publish %s: %w", msg.Key(), err)
			}
		default:
			return nil
		}
	}
}

// Dropped returns how many messages were discarded on a full queue.
func (f *Forwarder) Dropped() int64 {
	return f.dropped.Load()
}

// Applier receives records committed by other sessions.
type Applier interface {
	ApplyRemote(ctx context.Context, entities ...core.Entity) int
	Refresh(ctx context.Context, scope cache.Scope) error
}

// Listener applies other sessions' changes to this session's cache.
type Listener struct {
	applier   Applier
	userID    string
	sessionID string
	logger    *slog.Logger
}

func NewListener(a Applier, userID, sessionID string) *Listener {
	return &Listener{
		applier:   a,
		userID:    userID,
		sessionID: sessionID,
		logger:    slog.Default().With(log.FieldComponent, log.ComponentAMQP),
	}
}

// HandleMessage ignores other users and this session's own echoes. A
// message whose record cannot be decoded triggers a refetch of the key.
func (l *Listener) HandleMessage(ctx context.Context, msg *ChangeMessage) error {
	if msg.UserID != l.userID || msg.SessionID == l.sessionID {
		return nil
	}
	e, err := msg.Entity()
	if err != nil {
		l.logger.WarnContext(ctx, "Undecodable change record, refetching", log.FieldEntityID, msg.ID, "error", err)
		return l.applier.Refresh(ctx, cache.Scope{Keys: []core.Key{msg.Key()}})
	}
	n := l.applier.ApplyRemote(ctx, e)
	l.logger.DebugContext(ctx, "Applied remote change",
		log.FieldEntityKind, string(msg.Kind), log.FieldEntityID, msg.ID, "version", msg.Version, "applied", n)
	return nil
}
