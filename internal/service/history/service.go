// Package history is the SQL-backed message store behind the /api/messages routes.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pixchat/internal/models"
	"pixchat/internal/storage"
)

var (
	ErrInvalidMessage  = errors.New("missing required fields: id, type, content")
	ErrMessageExists   = errors.New("message with this id already exists")
	ErrMessageNotFound = fmt.Errorf("message not found: %w", sql.ErrNoRows)
)

// Service persists chat messages keyed by their client-assigned id.
type Service struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewService builds a store over an already migrated database.
func NewService(db *sql.DB, driver string) *Service {
	return &Service{db: db, driver: storage.Normalize(driver), now: time.Now}
}

const messageColumns = `message_id, session_id, type, content, timestamp, images, is_generating, error`

func (s *Service) q(query string) string {
	return storage.Rebind(s.driver, query)
}

// ListMessages returns the session's messages in ascending timestamp order.
func (s *Service) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	sessionID = models.NormalizeSessionID(sessionID)
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY timestamp ASC, id ASC`),
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetMessage loads one message by id.
func (s *Service) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`), id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return m, nil
}

// SaveMessage inserts msg. A duplicate id returns ErrMessageExists and leaves
// the stored record unchanged.
func (s *Service) SaveMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	msg.ID = strings.TrimSpace(msg.ID)
	if msg.ID == "" || msg.Type == "" || msg.Content == "" {
		return nil, ErrInvalidMessage
	}
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	msg.SessionID = models.NormalizeSessionID(msg.SessionID)
	now := s.now().UTC()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	images, err := encodeImages(msg.Images)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO messages (`+messageColumns+`, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.SessionID, string(msg.Type), msg.Content, msg.Timestamp.UTC(), images, msg.IsGenerating, nullString(msg.Error), now, now,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, ErrMessageExists
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &msg, nil
}

// UpdateMessage applies the set fields of u to message id and returns the result.
func (s *Service) UpdateMessage(ctx context.Context, id string, u models.MessageUpdate) (*models.Message, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.now().UTC()}
	if u.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *u.Content)
	}
	if u.Images != nil {
		images, err := encodeImages(*u.Images)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "images = ?")
		args = append(args, images)
	}
	if u.IsGenerating != nil {
		sets = append(sets, "is_generating = ?")
		args = append(args, *u.IsGenerating)
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullString(*u.Error))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE message_id = ?`),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("message rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrMessageNotFound
	}
	return s.GetMessage(ctx, id)
}

// ClearMessages deletes every message of the session and returns how many were removed.
func (s *Service) ClearMessages(ctx context.Context, sessionID string) (int64, error) {
	sessionID = models.NormalizeSessionID(sessionID)
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM messages WHERE session_id = ?`), sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleared rows affected: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		m       models.Message
		typ     string
		images  sql.NullString
		errText sql.NullString
	)
	if err := row.Scan(&m.ID, &m.SessionID, &typ, &m.Content, &m.Timestamp, &images, &m.IsGenerating, &errText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Type = models.Role(typ)
	m.Error = errText.String
	if images.Valid && images.String != "" {
		if err := json.Unmarshal([]byte(images.String), &m.Images); err != nil {
			return nil, fmt.Errorf("decode images of %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func encodeImages(images []models.GeneratedImage) (sql.NullString, error) {
	if len(images) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(images)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode images: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
