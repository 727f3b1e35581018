package push

import (
	"context"

	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// LogNotifier records notifications in the service log instead of sending
// them. It is the development default.
type LogNotifier struct{}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

// Send implements Notifier.
func (LogNotifier) Send(ctx context.Context, userID string, p *Payload) error {
	l := pkglog.Ctx(ctx)
	l.Info().
		Str(pkglog.FieldUserID, userID).
		Str("push_type", p.Type).
		Str(pkglog.FieldSessionID, p.SessionID).
		Msg("push notification")
	return nil
}

// Close implements Notifier.
func (LogNotifier) Close() error { return nil }
