package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/database"
)

const maxListLimit = 200

// GormStore implements Store using GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the tables used by the store.
func (s *GormStore) Migrate() error {
	return database.AutoMigrate(s.db, Models()...)
}

// SaveMessage upserts a message so a later delivery state change overwrites
// the first write.
func (s *GormStore) SaveMessage(ctx context.Context, m *domain.Message) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(MessageToModel(m)).Error
}

// GetMessage retrieves a message by ID.
func (s *GormStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var model MessageModel
	result := s.db.WithContext(ctx).First(&model, "id = ?", id)
	if result.Error != nil {
		return nil, mapNotFound(result.Error)
	}
	return model.ToDomain(), nil
}

// SaveCall upserts a call session.
func (s *GormStore) SaveCall(ctx context.Context, c *domain.CallSession) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(CallToModel(c)).Error
}

// GetCall retrieves a call session by ID.
func (s *GormStore) GetCall(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	var model CallModel
	result := s.db.WithContext(ctx).First(&model, "session_id = ?", sessionID)
	if result.Error != nil {
		return nil, mapNotFound(result.Error)
	}
	return model.ToDomain(), nil
}

// ListCallsByUser returns the most recent calls the user took part in.
func (s *GormStore) ListCallsByUser(ctx context.Context, userID string, limit int) ([]*domain.CallSession, error) {
	var models []CallModel
	result := s.db.WithContext(ctx).
		Where("caller_id = ? OR receiver_id = ?", userID, userID).
		Order("start_time DESC").
		Limit(clampLimit(limit)).
		Find(&models)
	if result.Error != nil {
		return nil, result.Error
	}
	return callsToDomain(models), nil
}

// PendingIncoming returns calls still waiting for the receiver to answer.
func (s *GormStore) PendingIncoming(ctx context.Context, receiverID string) ([]*domain.CallSession, error) {
	var models []CallModel
	result := s.db.WithContext(ctx).
		Where("receiver_id = ? AND status IN ?", receiverID, []string{
			string(domain.CallInitiated),
			string(domain.CallRinging),
			string(domain.CallPushFallbackSent),
		}).
		Order("start_time ASC").
		Find(&models)
	if result.Error != nil {
		return nil, result.Error
	}
	return callsToDomain(models), nil
}

// RecordConnect stores the start of a connection.
func (s *GormStore) RecordConnect(ctx context.Context, rec *SessionRecord) error {
	model := &SessionModel{
		ConnID:        rec.ConnID,
		UserID:        rec.UserID,
		ConnectedAt:   rec.ConnectedAt,
		Subscriptions: database.StringArray(rec.Subscriptions),
	}
	return s.db.WithContext(ctx).Create(model).Error
}

// RecordDisconnect closes a connection record with its final subscription set.
func (s *GormStore) RecordDisconnect(ctx context.Context, connID string, at time.Time, reason string, subscriptions []string) error {
	result := s.db.WithContext(ctx).Model(&SessionModel{}).
		Where("conn_id = ?", connID).
		Updates(map[string]interface{}{
			"disconnected_at": at,
			"reason":          reason,
			"subscriptions":   database.StringArray(subscriptions),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListSessions returns the most recent connection records of a user.
func (s *GormStore) ListSessions(ctx context.Context, userID string, limit int) ([]*SessionRecord, error) {
	var models []SessionModel
	result := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("connected_at DESC").
		Limit(clampLimit(limit)).
		Find(&models)
	if result.Error != nil {
		return nil, result.Error
	}
	out := make([]*SessionRecord, 0, len(models))
	for i := range models {
		out = append(out, models[i].ToDomain())
	}
	return out, nil
}

func callsToDomain(models []CallModel) []*domain.CallSession {
	out := make([]*domain.CallSession, 0, len(models))
	for i := range models {
		out = append(out, models[i].ToDomain())
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}
