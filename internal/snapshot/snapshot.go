package snapshot

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"chat-engine/internal/models"
)

// Shell is the persisted slice of a conversation: flags and read position,
// never message bodies.
type Shell struct {
	ConversationID    string `db:"conversation_id"`
	IsGroup           bool   `db:"is_group"`
	IsPinned          bool   `db:"is_pinned"`
	IsUnread          bool   `db:"is_unread"`
	LastReadMessageID string `db:"last_read_message_id"`
}

// Store is the durable cache the conversation store rehydrates from.
type Store interface {
	Load(ctx context.Context) ([]Shell, []models.Group, error)
	SaveShell(ctx context.Context, shell Shell) error
	DeleteShell(ctx context.Context, conversationID string) error
	SaveGroup(ctx context.Context, group models.Group) error
	DeleteGroup(ctx context.Context, groupID string) error
	Close() error
}

// Open connects the SQL-backed store, or returns a noop store when no DSN is
// configured; the engine runs fine without a durable cache, it just starts
// cold.
func Open(dsn string, log *zap.SugaredLogger) (Store, error) {
	if dsn == "" {
		log.Infow("snapshot cache disabled, using noop")
		return noopStore{}, nil
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect snapshot db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run snapshot migrations: %w", err)
	}
	log.Infow("snapshot cache connected")
	return &sqlStore{db: db}, nil
}

func migrate(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversation_shells (
            conversation_id TEXT PRIMARY KEY,
            is_group BOOLEAN NOT NULL DEFAULT FALSE,
            is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
            is_unread BOOLEAN NOT NULL DEFAULT FALSE,
            last_read_message_id TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS groups (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            avatar_url TEXT NOT NULL DEFAULT '',
            created_by TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS group_members (
            group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            display_name TEXT NOT NULL DEFAULT '',
            role TEXT NOT NULL DEFAULT 'member',
            status TEXT NOT NULL DEFAULT '',
            PRIMARY KEY(group_id, user_id)
        );`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

type sqlStore struct {
	db *sqlx.DB
}

func (s *sqlStore) Load(ctx context.Context) ([]Shell, []models.Group, error) {
	var shells []Shell
	if err := s.db.SelectContext(ctx, &shells,
		`SELECT conversation_id, is_group, is_pinned, is_unread, last_read_message_id FROM conversation_shells`); err != nil {
		return nil, nil, err
	}

	var groupRows []struct {
		ID          string `db:"id"`
		Name        string `db:"name"`
		Description string `db:"description"`
		AvatarURL   string `db:"avatar_url"`
		CreatedBy   string `db:"created_by"`
	}
	if err := s.db.SelectContext(ctx, &groupRows,
		`SELECT id, name, description, avatar_url, created_by FROM groups`); err != nil {
		return nil, nil, err
	}

	groups := make([]models.Group, 0, len(groupRows))
	for _, row := range groupRows {
		group := models.Group{
			ID:          row.ID,
			Name:        row.Name,
			Description: row.Description,
			AvatarURL:   row.AvatarURL,
			CreatedBy:   row.CreatedBy,
		}
		var members []struct {
			UserID      string `db:"user_id"`
			DisplayName string `db:"display_name"`
			Role        string `db:"role"`
			Status      string `db:"status"`
		}
		if err := s.db.SelectContext(ctx, &members,
			`SELECT user_id, display_name, role, status FROM group_members WHERE group_id=$1`, row.ID); err != nil {
			return nil, nil, err
		}
		for _, m := range members {
			group.Members = append(group.Members, models.GroupMember{
				UserID:      m.UserID,
				DisplayName: m.DisplayName,
				Role:        models.GroupRole(m.Role),
				Status:      m.Status,
			})
		}
		groups = append(groups, group)
	}
	return shells, groups, nil
}

func (s *sqlStore) SaveShell(ctx context.Context, shell Shell) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_shells (conversation_id, is_group, is_pinned, is_unread, last_read_message_id)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (conversation_id) DO UPDATE SET
            is_group = EXCLUDED.is_group,
            is_pinned = EXCLUDED.is_pinned,
            is_unread = EXCLUDED.is_unread,
            last_read_message_id = EXCLUDED.last_read_message_id`,
		shell.ConversationID, shell.IsGroup, shell.IsPinned, shell.IsUnread, shell.LastReadMessageID)
	return err
}

func (s *sqlStore) DeleteShell(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_shells WHERE conversation_id=$1`, conversationID)
	return err
}

func (s *sqlStore) SaveGroup(ctx context.Context, group models.Group) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO groups (id, name, description, avatar_url, created_by)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name,
            description = EXCLUDED.description,
            avatar_url = EXCLUDED.avatar_url,
            created_by = EXCLUDED.created_by`,
		group.ID, group.Name, group.Description, group.AvatarURL, group.CreatedBy); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=$1`, group.ID); err != nil {
		return err
	}
	for _, m := range group.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (group_id, user_id, display_name, role, status) VALUES ($1, $2, $3, $4, $5)`,
			group.ID, m.UserID, m.DisplayName, string(m.Role), m.Status); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) DeleteGroup(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id=$1`, groupID)
	return err
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type noopStore struct{}

func (noopStore) Load(ctx context.Context) ([]Shell, []models.Group, error) { return nil, nil, nil }
func (noopStore) SaveShell(ctx context.Context, shell Shell) error          { return nil }
func (noopStore) DeleteShell(ctx context.Context, conversationID string) error {
	return nil
}
func (noopStore) SaveGroup(ctx context.Context, group models.Group) error { return nil }
func (noopStore) DeleteGroup(ctx context.Context, groupID string) error   { return nil }
func (noopStore) Close() error                                            { return nil }
