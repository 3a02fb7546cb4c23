// Package notify turns engine events into user-facing messages, gated by
// the [notify] configuration section.
package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"cr-go/internal/config"
	"cr-go/internal/cr"
)

// Message is a rendered notification.
type Message struct {
	Kind  cr.EventKind
	Title string
	Body  string
	At    time.Time
}

// Sink delivers rendered messages.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// Notifier is the production cr.Notifier.
type Notifier struct {
	mu     sync.RWMutex
	cfg    config.NotifyConfig
	sink   Sink
	logger cr.Logger
}

var _ cr.Notifier = (*Notifier)(nil)

func New(cfg config.NotifyConfig, sink Sink, logger cr.Logger) *Notifier {
	return &Notifier{cfg: cfg, sink: sink, logger: logger}
}

// SetConfig replaces the gate, e.g. after the notify group was synced.
func (n *Notifier) SetConfig(cfg config.NotifyConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg = cfg
}

// Allowed reports whether events of kind are delivered. Nothing is
// delivered while notifications are disabled. Scheduling faults always
// pass otherwise.
func (n *Notifier) Allowed(kind cr.EventKind) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.cfg.Enable {
		return false
	}
	switch kind {
	case cr.EventBackupCreated:
		return n.cfg.NotifyOnCreate
	case cr.EventBackupFailed:
		return n.cfg.NotifyOnFailure
	default:
		return true
	}
}

func (n *Notifier) Notify(ctx context.Context, ev cr.Event) {
	if !n.Allowed(ev.Kind) {
		return
	}
	if err := n.sink.Deliver(ctx, Render(ev)); err != nil {
		n.logger.Warn("delivering notification failed", "mission", ev.MissionID, "kind", ev.Kind.String(), "err", err)
	}
}

// Render builds the message for ev.
func Render(ev cr.Event) Message {
	msg := Message{Kind: ev.Kind, At: ev.At}
	switch ev.Kind {
	case cr.EventBackupCreated:
		msg.Title = "Backup created"
		msg.Body = ev.Name
		if ev.Backup != nil {
			msg.Body = fmt.Sprintf("%s: %s (%s)", ev.Name, ev.Backup.Path, FormatSize(ev.Backup.Size))
		}
	case cr.EventBackupFailed:
		msg.Title = "Backup failed"
		msg.Body = fmt.Sprintf("%s: %v", ev.Name, ev.Err)
	default:
		msg.Title = "Schedule failed"
		msg.Body = fmt.Sprintf("%s: %v", ev.Name, ev.Err)
	}
	return msg
}

// FormatSize renders a byte count with a binary unit.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// LogSink writes messages to the engine log.
type LogSink struct {
	Logger cr.Logger
}

func (s LogSink) Deliver(_ context.Context, msg Message) error {
	if msg.Kind == cr.EventBackupCreated {
		s.Logger.Info(msg.Title, "body", msg.Body)
	} else {
		s.Logger.Warn(msg.Title, "body", msg.Body)
	}
	return nil
}

// WriterSink prints one line per message, for foreground use.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Deliver(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "%s  %s: %s\n", msg.At.Format(time.RFC3339), msg.Title, msg.Body)
	return err
}

// Multi delivers to every sink and returns the first error.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, msg Message) error {
	var first error
	for _, s := range m {
		if err := s.Deliver(ctx, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}
