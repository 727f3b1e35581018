package store

import (
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/database"
)

// MessageModel is the GORM model for chat messages.
type MessageModel struct {
	ID            string    `gorm:"primaryKey;type:varchar(64)"`
	SenderID      string    `gorm:"type:varchar(128);index"`
	ReceiverID    string    `gorm:"type:varchar(128);index"`
	Content       string    `gorm:"type:text"`
	MessageType   string    `gorm:"type:varchar(32)"`
	DeliveryState string    `gorm:"type:varchar(32)"`
	SentAt        time.Time `gorm:"index"`
}

// TableName returns the table name for MessageModel.
func (MessageModel) TableName() string { return "messages" }

// ToDomain converts the model to a domain message.
func (m *MessageModel) ToDomain() *domain.Message {
	return &domain.Message{
		ID:            m.ID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Content:       m.Content,
		MessageType:   m.MessageType,
		SentAt:        m.SentAt,
		DeliveryState: domain.DeliveryState(m.DeliveryState),
	}
}

// MessageToModel converts a domain message to its model.
func MessageToModel(m *domain.Message) *MessageModel {
	return &MessageModel{
		ID:            m.ID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Content:       m.Content,
		MessageType:   m.MessageType,
		DeliveryState: string(m.DeliveryState),
		SentAt:        m.SentAt,
	}
}

// CallModel is the GORM model for call sessions.
type CallModel struct {
	SessionID  string `gorm:"primaryKey;type:varchar(128)"`
	CallerID   string `gorm:"type:varchar(128);index"`
	ReceiverID string `gorm:"type:varchar(128);index"`
	CallType   string `gorm:"type:varchar(16)"`
	Status     string `gorm:"type:varchar(32);index"`
	StartTime  time.Time
	EndTime    *time.Time
	UpdatedAt  time.Time
}

// TableName returns the table name for CallModel.
func (CallModel) TableName() string { return "call_sessions" }

// ToDomain converts the model to a domain call session.
func (m *CallModel) ToDomain() *domain.CallSession {
	return &domain.CallSession{
		SessionID:  m.SessionID,
		CallerID:   m.CallerID,
		ReceiverID: m.ReceiverID,
		CallType:   domain.CallType(m.CallType),
		Status:     domain.CallStatus(m.Status),
		StartTime:  m.StartTime,
		EndTime:    m.EndTime,
	}
}

// CallToModel converts a domain call session to its model.
func CallToModel(c *domain.CallSession) *CallModel {
	return &CallModel{
		SessionID:  c.SessionID,
		CallerID:   c.CallerID,
		ReceiverID: c.ReceiverID,
		CallType:   string(c.CallType),
		Status:     string(c.Status),
		StartTime:  c.StartTime,
		EndTime:    c.EndTime,
	}
}

// SessionModel is the GORM model for connection lifetimes.
type SessionModel struct {
	ConnID         string `gorm:"primaryKey;type:varchar(64)"`
	UserID         string `gorm:"type:varchar(128);index"`
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	Reason         string `gorm:"type:varchar(64)"`
	Subscriptions  database.StringArray
}

// TableName returns the table name for SessionModel.
func (SessionModel) TableName() string { return "session_records" }

// ToDomain converts the model to a session record.
func (m *SessionModel) ToDomain() *SessionRecord {
	return &SessionRecord{
		ConnID:         m.ConnID,
		UserID:         m.UserID,
		ConnectedAt:    m.ConnectedAt,
		DisconnectedAt: m.DisconnectedAt,
		Reason:         m.Reason,
		Subscriptions:  []string(m.Subscriptions),
	}
}

// Models lists every model for auto-migration.
func Models() []interface{} {
	return []interface{}{&MessageModel{}, &CallModel{}, &SessionModel{}}
}
