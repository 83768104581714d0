package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/history"
)

// SQLiteHistoryStore implements history.Store backed by SQLite.
type SQLiteHistoryStore struct {
	db  *DB
	now func() time.Time
}

var _ history.Store = (*SQLiteHistoryStore)(nil)

// NewSQLiteHistoryStore creates a history store using the given database.
func NewSQLiteHistoryStore(db *DB) *SQLiteHistoryStore {
	return &SQLiteHistoryStore{db: db, now: time.Now}
}

// Load returns the chat's settings and turns in insertion order.
func (s *SQLiteHistoryStore) Load(ctx context.Context, chatID domain.ChatID) (*history.ChatContext, error) {
	c := &history.ChatContext{ChatID: chatID}

	var tools sql.NullInt64
	var updatedAt string
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT model, tools_enabled, custom_prompt, updated_at FROM chats WHERE chat_id = ?`, string(chatID),
	).Scan(&c.Model, &tools, &c.CustomPrompt, &updatedAt)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	if tools.Valid {
		enabled := tools.Int64 != 0
		c.ToolsEnabled = &enabled
	}
	c.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)

	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT role, content, name, tool_call_id, tool_calls, virtual
		 FROM turns WHERE chat_id = ? ORDER BY id`, string(chatID),
	)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t         domain.Turn
			role      string
			content   string
			toolCalls sql.NullString
			virtual   int
		)
		if err := rows.Scan(&role, &content, &t.Name, &t.ToolCallID, &toolCalls, &virtual); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = domain.Role(role)
		t.Virtual = virtual != 0
		if err := json.Unmarshal([]byte(content), &t.Content); err != nil {
			s.db.log.Warn().Err(err).Str("chatId", chatID.String()).Msg("skipping unreadable turn")
			continue
		}
		if toolCalls.Valid && toolCalls.String != "" {
			_ = json.Unmarshal([]byte(toolCalls.String), &t.ToolCalls)
		}
		c.Turns = append(c.Turns, t)
	}
	return c, rows.Err()
}

// ensureChat creates the chat row if missing and bumps updated_at.
func (s *SQLiteHistoryStore) ensureChat(ctx context.Context, tx *sql.Tx, chatID domain.ChatID) error {
	now := s.now().UTC().Format(time.DateTime)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO chats (chat_id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET updated_at = excluded.updated_at`,
		string(chatID), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// inTx runs fn inside a transaction after making sure the chat row exists.
func (s *SQLiteHistoryStore) inTx(ctx context.Context, chatID domain.ChatID, fn func(*sql.Tx) error) error {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := s.ensureChat(ctx, tx, chatID); err != nil {
		tx.Rollback()
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// AppendTurns stores turns after the chat's existing ones.
func (s *SQLiteHistoryStore) AppendTurns(ctx context.Context, chatID domain.ChatID, turns ...domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return s.inTx(ctx, chatID, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO turns (chat_id, role, content, name, tool_call_id, tool_calls, virtual, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare turn insert: %w", err)
		}
		defer stmt.Close()

		now := s.now().UTC().Format(time.DateTime)
		for _, t := range turns {
			content, err := json.Marshal(t.Content)
			if err != nil {
				return fmt.Errorf("encode turn content: %w", err)
			}
			var toolCalls sql.NullString
			if len(t.ToolCalls) > 0 {
				data, err := json.Marshal(t.ToolCalls)
				if err != nil {
					return fmt.Errorf("encode tool calls: %w", err)
				}
				toolCalls = sql.NullString{String: string(data), Valid: true}
			}
			virtual := 0
			if t.Virtual {
				virtual = 1
			}
			if _, err := stmt.ExecContext(ctx,
				string(chatID), string(t.Role), string(content), t.Name, t.ToolCallID, toolCalls, virtual, now,
			); err != nil {
				return fmt.Errorf("insert turn: %w", err)
			}
		}
		return nil
	})
}

// Retain deletes the turns that precede the chat's newest maxUserTurns
// user turns, except system turns. maxUserTurns < 1 keeps everything.
func (s *SQLiteHistoryStore) Retain(ctx context.Context, chatID domain.ChatID, maxUserTurns int) error {
	if maxUserTurns < 1 {
		return nil
	}
	res, err := s.db.sql.ExecContext(ctx,
		`DELETE FROM turns
		 WHERE chat_id = ?1 AND role <> ?2 AND id < (
			SELECT id FROM turns WHERE chat_id = ?1 AND role = ?3
			ORDER BY id DESC LIMIT 1 OFFSET ?4
		 )`,
		string(chatID), string(domain.RoleSystem), string(domain.RoleUser), maxUserTurns-1,
	)
	if err != nil {
		return fmt.Errorf("retain turns: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.db.log.Debug().Str("chatId", chatID.String()).Int64("deleted", n).Msg("old turns dropped")
	}
	return nil
}

func (s *SQLiteHistoryStore) setColumn(ctx context.Context, chatID domain.ChatID, column string, value any) error {
	return s.inTx(ctx, chatID, func(tx *sql.Tx) error {
		// column is one of a fixed set chosen by the callers below.
		if _, err := tx.ExecContext(ctx, `UPDATE chats SET `+column+` = ? WHERE chat_id = ?`, value, string(chatID)); err != nil {
			return fmt.Errorf("update %s: %w", column, err)
		}
		return nil
	})
}

func (s *SQLiteHistoryStore) SetModel(ctx context.Context, chatID domain.ChatID, model string) error {
	return s.setColumn(ctx, chatID, "model", model)
}

func (s *SQLiteHistoryStore) SetToolsEnabled(ctx context.Context, chatID domain.ChatID, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return s.setColumn(ctx, chatID, "tools_enabled", v)
}

func (s *SQLiteHistoryStore) SetCustomPrompt(ctx context.Context, chatID domain.ChatID, prompt string) error {
	return s.setColumn(ctx, chatID, "custom_prompt", prompt)
}

// Clear deletes the chat's turns. Settings are kept.
func (s *SQLiteHistoryStore) Clear(ctx context.Context, chatID domain.ChatID) error {
	return s.inTx(ctx, chatID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE chat_id = ?`, string(chatID)); err != nil {
			return fmt.Errorf("clear turns: %w", err)
		}
		return nil
	})
}

// ChatSummary describes one stored chat.
type ChatSummary struct {
	ChatID    domain.ChatID `json:"chatId"`
	Model     string        `json:"model,omitempty"`
	Turns     int           `json:"turns"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// List returns every stored chat, most recently active first.
func (s *SQLiteHistoryStore) List(ctx context.Context) ([]ChatSummary, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT c.chat_id, c.model, c.updated_at, COUNT(t.id)
		 FROM chats c LEFT JOIN turns t ON t.chat_id = c.chat_id
		 GROUP BY c.chat_id ORDER BY c.updated_at DESC, c.chat_id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []ChatSummary
	for rows.Next() {
		var cs ChatSummary
		var id, updated string
		if err := rows.Scan(&id, &cs.Model, &updated, &cs.Turns); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		cs.ChatID = domain.ChatID(id)
		cs.UpdatedAt, _ = time.Parse(time.DateTime, updated)
		out = append(out, cs)
	}
	return out, rows.Err()
}
