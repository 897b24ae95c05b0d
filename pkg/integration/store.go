package integration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wardenhq/warden/pkg/database"
	"github.com/wardenhq/warden/pkg/models"
)

// SQLStore persists unified messages through the database façade.
type SQLStore struct {
	store *database.Store
}

// NewSQLStore creates the integration message store.
func NewSQLStore(store *database.Store) *SQLStore {
	return &SQLStore{store: store}
}

// Insert implements MessageStore.
func (s *SQLStore) Insert(ctx context.Context, msg *models.UnifiedMessage) error {
	var metadata []byte
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
		metadata = b
	}
	_, err := s.store.Execute(ctx,
		`INSERT INTO integration_messages (id, integration_id, platform, direction, chat_id,
		 sender_id, sender_name, text, metadata, platform_msg_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.IntegrationID, msg.Platform, msg.Direction, msg.ChatID,
		msg.SenderID, msg.SenderName, msg.Text, metadata, msg.PlatformMsgID, msg.Timestamp)
	return err
}

// RecentByIntegration returns the latest messages for an integration.
func (s *SQLStore) RecentByIntegration(ctx context.Context, integrationID string, limit int) ([]models.UnifiedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	return database.QueryMany(ctx, s.store,
		`SELECT id, integration_id, platform, direction, chat_id, sender_id, sender_name,
		 text, metadata, platform_msg_id, created_at
		 FROM integration_messages WHERE integration_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		func(r database.RowScanner) (models.UnifiedMessage, error) {
			var m models.UnifiedMessage
			var metadata []byte
			if err := r.Scan(&m.ID, &m.IntegrationID, &m.Platform, &m.Direction, &m.ChatID,
				&m.SenderID, &m.SenderName, &m.Text, &metadata, &m.PlatformMsgID, &m.Timestamp); err != nil {
				return models.UnifiedMessage{}, err
			}
			if len(metadata) > 0 {
				if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
					return models.UnifiedMessage{}, fmt.Errorf("decode message metadata: %w", err)
				}
			}
			m.Timestamp = m.Timestamp.UTC()
			return m, nil
		}, integrationID, limit)
}
