package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChatRepository reads and writes the persisted room message history. The
// message id is assigned by the store and serves as the replay cursor.
type ChatRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *DB, logger *zap.Logger) *ChatRepository {
	return &ChatRepository{
		db:     db,
		logger: logger,
	}
}

// InsertMessage persists a message and fills in its assigned id, created_at
// and the author's display name.
func (r *ChatRepository) InsertMessage(ctx context.Context, msg *ChatMessage) error {
	query := `
		INSERT INTO chat_messages (author_id, room_id, category_id, body)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at,
			(SELECT display_name FROM users WHERE users.id = $1)
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		msg.AuthorID,
		msg.RoomID,
		msg.CategoryID,
		msg.Body,
	).Scan(&msg.ID, &msg.CreatedAt, &msg.AuthorName)

	if err != nil {
		r.logger.Error("failed to insert chat message",
			zap.Error(err),
			zap.String("room_id", msg.RoomID),
			zap.String("author_id", msg.AuthorID.String()),
		)
		return fmt.Errorf("insert chat message: %w", err)
	}

	return nil
}

// ListMessagesAfter returns all messages in a room with id > afterID in
// ascending id order. afterID = 0 returns the full history.
func (r *ChatRepository) ListMessagesAfter(ctx context.Context, roomID string, afterID int64) ([]*ChatMessage, error) {
	query := `
		SELECT m.id, m.author_id, u.display_name, m.room_id, m.category_id, m.body, m.created_at
		FROM chat_messages m
		JOIN users u ON u.id = m.author_id
		WHERE m.room_id = $1 AND m.id > $2
		ORDER BY m.id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, roomID, afterID)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		var msg ChatMessage
		err := rows.Scan(
			&msg.ID,
			&msg.AuthorID,
			&msg.AuthorName,
			&msg.RoomID,
			&msg.CategoryID,
			&msg.Body,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// RelationRepository resolves the favorite and collection-subscription
// relations owned by the collaborator application, plus recipient contact
// addresses. An empty result set is a valid answer, not an error.
type RelationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRelationRepository creates a new relation repository
func NewRelationRepository(db *DB, logger *zap.Logger) *RelationRepository {
	return &RelationRepository{
		db:     db,
		logger: logger,
	}
}

// FavoriteUserIDs returns the users with a favorite on the subject entity.
func (r *RelationRepository) FavoriteUserIDs(ctx context.Context, entityID string) ([]uuid.UUID, error) {
	query := `SELECT user_id FROM favorites WHERE entity_id = $1`
	return r.queryUserIDs(ctx, query, entityID)
}

// CollectionSubscriberIDs returns the users subscribed to any collection
// containing the subject entity.
func (r *RelationRepository) CollectionSubscriberIDs(ctx context.Context, entityID string) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT s.user_id
		FROM collection_subscriptions s
		JOIN collection_entities ce ON ce.collection_id = s.collection_id
		WHERE ce.entity_id = $1
	`
	return r.queryUserIDs(ctx, query, entityID)
}

// ContactAddress returns the relay address for a user, or "" when the user
// has none on file.
func (r *RelationRepository) ContactAddress(ctx context.Context, userID uuid.UUID) (string, error) {
	query := `SELECT COALESCE(email, '') FROM users WHERE id = $1`

	var address string
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(&address)
	if err != nil {
		return "", fmt.Errorf("query contact address: %w", err)
	}

	return address, nil
}

func (r *RelationRepository) queryUserIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query user ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ids, nil
}
