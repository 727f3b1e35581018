package push

import (
	"context"
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// Payload types consumed by devices.
const (
	TypeIncomingCall = "INCOMING_CALL"
	TypeCallStatus   = "CALL_STATUS"
	TypeNewMessage   = "NEW_MESSAGE"
)

const previewLength = 100

// Payload is the out-of-band notification body.
type Payload struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	CallerID  string `json:"callerId,omitempty"`
	CallType  string `json:"callType,omitempty"`
	Status    string `json:"status,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
	Preview   string `json:"preview,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// IncomingCall builds the payload announcing an invite to an offline receiver.
func IncomingCall(c *domain.CallSession, now time.Time) *Payload {
	return &Payload{
		Type:      TypeIncomingCall,
		SessionID: c.SessionID,
		CallerID:  c.CallerID,
		CallType:  string(c.CallType),
		Timestamp: now.UnixMilli(),
	}
}

// CallStatus builds the payload for a call state change.
func CallStatus(c *domain.CallSession, now time.Time) *Payload {
	return &Payload{
		Type:      TypeCallStatus,
		SessionID: c.SessionID,
		Status:    string(c.Status),
		Timestamp: now.UnixMilli(),
	}
}

// NewMessage builds the payload for a chat message. Content is truncated to
// a short preview.
func NewMessage(m *domain.Message, now time.Time) *Payload {
	preview := []rune(m.Content)
	if len(preview) > previewLength {
		preview = append(preview[:previewLength], '…')
	}
	return &Payload{
		Type:      TypeNewMessage,
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Preview:   string(preview),
		Timestamp: now.UnixMilli(),
	}
}

// Notifier delivers best-effort notifications to devices without a live
// connection.
type Notifier interface {
	Send(ctx context.Context, userID string, p *Payload) error
	Close() error
}

// Config selects the notifier implementation.
type Config struct {
	Driver string      `mapstructure:"driver"` // kafka, log
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig configures the push request topic.
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	Topic      string `mapstructure:"topic"`
	Partitions int    `mapstructure:"partitions"`
}

// New builds the notifier named by cfg.Driver.
func New(cfg Config) (Notifier, error) {
	switch cfg.Driver {
	case "", "log":
		return NewLogNotifier(), nil
	case "kafka":
		return NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions)
	default:
		return nil, fmt.Errorf("unsupported push driver: %s", cfg.Driver)
	}
}

// Async hands p to n without waiting for the outcome. Failures are logged.
func Async(n Notifier, userID string, p *Payload) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.Send(ctx, userID, p); err != nil {
			l := pkglog.L()
			l.Warn().Err(err).
				Str(pkglog.FieldUserID, userID).
				Str("push_type", p.Type).
				Msg("push notification failed")
		}
	}()
}
