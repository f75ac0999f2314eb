// Package notify carries user-visible status messages and confirmation
// prompts out of the storefront components.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
)

type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

type Notifier interface {
	Notify(ctx context.Context, msg string, kind Kind)
}

// Confirmer asks the user a yes/no question. A false answer means nothing
// should happen.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

type NotifierFunc func(ctx context.Context, msg string, kind Kind)

func (f NotifierFunc) Notify(ctx context.Context, msg string, kind Kind) { f(ctx, msg, kind) }

type ConfirmFunc func(ctx context.Context, prompt string) bool

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) bool { return f(ctx, prompt) }

// Answer is a Confirmer that always gives the same reply.
type Answer bool

func (a Answer) Confirm(context.Context, string) bool { return bool(a) }

var Discard Notifier = NotifierFunc(func(context.Context, string, Kind) {})

type Notice struct {
	Message string    `json:"message"`
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
}

// Board keeps the most recent notices, newest last.
type Board struct {
	mu      sync.Mutex
	limit   int
	notices []Notice
	now     func() time.Time
}

func NewBoard(limit int) *Board {
	if limit <= 0 {
		limit = 20
	}
	return &Board{limit: limit, now: time.Now}
}

func (b *Board) Notify(_ context.Context, msg string, kind Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, Notice{Message: msg, Kind: kind, At: b.now().UTC()})
	if over := len(b.notices) - b.limit; over > 0 {
		b.notices = append(b.notices[:0:0], b.notices[over:]...)
	}
}

func (b *Board) Notices() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notice, len(b.notices))
	copy(out, b.notices)
	return out
}

// Latest returns the newest notice, if any.
func (b *Board) Latest() (Notice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.notices) == 0 {
		return Notice{}, false
	}
	return b.notices[len(b.notices)-1], true
}

// Log writes notices to the structured log.
type Log struct {
	Logger *logger.Logger
}

func (l Log) Notify(ctx context.Context, msg string, kind Kind) {
	ctx = l.Logger.WithField(ctx, "notice_kind", string(kind))
	switch kind {
	case KindError:
		l.Logger.Error(ctx, msg, nil)
	case KindWarning:
		l.Logger.Warn(ctx, msg)
	default:
		l.Logger.Info(ctx, msg)
	}
}

// Multi fans a notice out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg string, kind Kind) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, msg, kind)
		}
	}
}
