package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/xiaot623/notechat/internal/domain"
	"github.com/xiaot623/notechat/internal/metrics"
)

// Supported database/sql driver names.
const (
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3 (cgo)
	DriverSQLite  = "sqlite"  // modernc.org/sqlite (pure Go)
)

// Fixed-width UTC layout so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

const messageColumns = `id, timestamp, model_provider, model_name, user_content, user_attachments,
	assistant_state, assistant_content, assistant_stats, assistant_error_code`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	driver  string
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithDriver selects the database/sql driver (DriverSQLite3 or DriverSQLite).
func WithDriver(driver string) Option {
	return func(s *SQLiteStore) {
		if driver != "" {
			s.driver = driver
		}
	}
}

// WithMetrics records store operations on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *SQLiteStore) { s.metrics = m }
}

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *SQLiteStore) { s.log = l }
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore opens (and migrates) a SQLite store.
func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	store := &SQLiteStore{driver: DriverSQLite3, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(store)
	}

	db, err := sql.Open(store.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: in-memory databases are per connection, and every
	// transaction (including count recompute-and-write) is serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	store.db = db

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	store.log.Debug().Str("driver", store.driver).Msg("store opened")
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			last_accessed TEXT NOT NULL,
			created_at TEXT NOT NULL,
			msg_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_last_accessed ON chats(last_accessed)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_created_at ON chats(created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			model_provider TEXT NOT NULL,
			model_name TEXT NOT NULL,
			user_content TEXT NOT NULL,
			assistant_state TEXT NOT NULL,
			assistant_content TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (conversation_id) REFERENCES chats(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}

	// Columns added after the first schema (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("messages", "user_attachments", "ALTER TABLE messages ADD COLUMN user_attachments TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("messages", "assistant_stats", "ALTER TABLE messages ADD COLUMN assistant_stats TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("messages", "assistant_error_code", "ALTER TABLE messages ADD COLUMN assistant_error_code TEXT"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) observe(op string, start time.Time, err *error) {
	s.metrics.RecordStoreOperation(op, *err, time.Since(start))
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ListChats returns conversation previews, most recently accessed first.
func (s *SQLiteStore) ListChats(ctx context.Context) (_ []domain.ChatPreview, err error) {
	defer s.observe("list_chats", time.Now(), &err)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, last_accessed FROM chats ORDER BY last_accessed DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := []domain.ChatPreview{}
	for rows.Next() {
		var p domain.ChatPreview
		var lastAccessed string
		if err := rows.Scan(&p.ID, &p.Title, &lastAccessed); err != nil {
			return nil, err
		}
		if p.LastAccessed, err = parseTime(lastAccessed); err != nil {
			return nil, err
		}
		chats = append(chats, p)
	}
	return chats, rows.Err()
}

// LoadChatMeta returns a conversation's metadata, or nil if it does not exist.
func (s *SQLiteStore) LoadChatMeta(ctx context.Context, chatID string) (_ *domain.ChatRecordMeta, err error) {
	defer s.observe("load_chat_meta", time.Now(), &err)

	var meta domain.ChatRecordMeta
	var lastAccessed, createdAt string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, title, last_accessed, created_at, msg_count FROM chats WHERE id = ?`, chatID,
	).Scan(&meta.ID, &meta.Title, &lastAccessed, &createdAt, &meta.MsgCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if meta.LastAccessed, err = parseTime(lastAccessed); err != nil {
		return nil, err
	}
	if meta.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &meta, nil
}

// CreateChat inserts a conversation together with any turns it carries.
// An empty ID is allocated; the returned id is the stored one.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *domain.ChatRecord) (_ string, err error) {
	defer s.observe("create_chat", time.Now(), &err)

	if chat == nil {
		return "", errors.New("chat is required")
	}
	if chat.ID == "" {
		chat.ID = domain.NewID()
	}
	now := time.Now()
	if chat.LastAccessed.IsZero() {
		chat.LastAccessed = now
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := rowExists(ctx, tx, `SELECT 1 FROM chats WHERE id = ?`, chat.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("chat %s: %w", chat.ID, domain.ErrAlreadyExists)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chats (id, title, last_accessed, created_at, msg_count) VALUES (?, ?, ?, ?, ?)`,
			chat.ID, chat.Title, formatTime(chat.LastAccessed), formatTime(now), len(chat.Messages),
		); err != nil {
			return err
		}
		for i := range chat.Messages {
			if err := insertMessage(ctx, tx, `INSERT INTO`, chat.ID, &chat.Messages[i]); err != nil {
				return fmt.Errorf("insert message %s: %w", chat.Messages[i].ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return chat.ID, nil
}

// UpdateChatMeta applies a title and/or lastAccessed patch.
func (s *SQLiteStore) UpdateChatMeta(ctx context.Context, chatID string, patch domain.ChatMetaPatch) (err error) {
	defer s.observe("update_chat_meta", time.Now(), &err)

	set, args := []string{}, []any{}
	if patch.Title != nil {
		set = append(set, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.LastAccessed != nil {
		set = append(set, "last_accessed = ?")
		args = append(args, formatTime(*patch.LastAccessed))
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, chatID)

	res, err := s.db.ExecContext(ctx, `UPDATE chats SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
	}
	return nil
}

// DeleteChat removes a conversation and all of its turns. It reports false
// when the conversation did not exist.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID string) (_ bool, err error) {
	defer s.observe("delete_chat", time.Now(), &err)

	var deleted bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, chatID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = affected > 0
		return nil
	})
	return deleted, err
}

// GetMessages scans a conversation's turns in id order.
func (s *SQLiteStore) GetMessages(ctx context.Context, chatID string, q domain.MessageQuery) (_ []domain.MessagePair, err error) {
	defer s.observe("get_messages", time.Now(), &err)

	order := "ASC"
	if q.Order == domain.SortDesc {
		order = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY id `+order+` LIMIT ? OFFSET ?`,
		chatID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []domain.MessagePair{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// GetMessage returns one turn of a conversation, or nil if it does not exist there.
func (s *SQLiteStore) GetMessage(ctx context.Context, chatID, messageID string) (_ *domain.MessagePair, err error) {
	defer s.observe("get_message", time.Now(), &err)

	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`, chatID, messageID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// AddMessage inserts a new turn and bumps the conversation's lastAccessed.
// A reused id fails with domain.ErrAlreadyExists.
func (s *SQLiteStore) AddMessage(ctx context.Context, chatID string, turn *domain.MessagePair) (err error) {
	defer s.observe("add_message", time.Now(), &err)

	if err := validateTurn(turn); err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireChat(ctx, tx, chatID); err != nil {
			return err
		}
		exists, err := rowExists(ctx, tx, `SELECT 1 FROM messages WHERE id = ?`, turn.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("message %s: %w", turn.ID, domain.ErrAlreadyExists)
		}
		if err := insertMessage(ctx, tx, `INSERT INTO`, chatID, turn); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE chats SET last_accessed = MAX(last_accessed, ?) WHERE id = ?`,
			formatTime(time.Now()), chatID)
		return err
	})
	if err != nil {
		return err
	}
	return s.recount(ctx, chatID)
}

// UpsertMessage inserts or replaces a turn. Only a new id triggers a recount.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, chatID string, turn *domain.MessagePair) (err error) {
	defer s.observe("upsert_message", time.Now(), &err)

	if err := validateTurn(turn); err != nil {
		return err
	}
	var existed bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireChat(ctx, tx, chatID); err != nil {
			return err
		}
		owner, err := messageOwner(ctx, tx, turn.ID)
		if err != nil {
			return err
		}
		if owner != "" && owner != chatID {
			return fmt.Errorf("message %s: %w", turn.ID, domain.ErrCrossConversationReference)
		}
		existed = owner != ""
		return insertMessage(ctx, tx, `INSERT OR REPLACE INTO`, chatID, turn)
	})
	if err != nil || existed {
		return err
	}
	return s.recount(ctx, chatID)
}

// UpdateAssistantMessagePartial patches only assistant columns. A missing turn is a no-op.
func (s *SQLiteStore) UpdateAssistantMessagePartial(ctx context.Context, chatID, messageID string, patch domain.AssistantPatch) (err error) {
	defer s.observe("update_assistant_partial", time.Now(), &err)

	set, args := []string{}, []any{}
	if patch.State != nil {
		if !patch.State.Valid() {
			return fmt.Errorf("invalid assistant state %q", *patch.State)
		}
		set = append(set, "assistant_state = ?")
		args = append(args, string(*patch.State))
	}
	if patch.Content != nil {
		set = append(set, "assistant_content = ?")
		args = append(args, *patch.Content)
	}
	if patch.Stats != nil {
		stats, err := json.Marshal(patch.Stats)
		if err != nil {
			return err
		}
		set = append(set, "assistant_stats = ?")
		args = append(args, string(stats))
	}
	if patch.ErrorCode != nil {
		set = append(set, "assistant_error_code = ?")
		args = append(args, nullString(*patch.ErrorCode))
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		owner, err := messageOwner(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if owner == "" {
			return nil
		}
		if owner != chatID {
			return fmt.Errorf("message %s: %w", messageID, domain.ErrCrossConversationReference)
		}
		if len(set) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET `+strings.Join(set, ", ")+` WHERE id = ?`, append(args, messageID)...)
		return err
	})
}

// RepairInterruptedMessage rewrites a turn left streaming. The state check and
// the write are one statement, so a turn that reached a terminal state
// meanwhile is left alone.
func (s *SQLiteStore) RepairInterruptedMessage(ctx context.Context, chatID, messageID, errorCode, placeholder string) (_ bool, err error) {
	defer s.observe("repair_interrupted", time.Now(), &err)

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			assistant_state = ?,
			assistant_error_code = ?,
			assistant_content = CASE WHEN COALESCE(assistant_content, '') = '' THEN ? ELSE assistant_content END
		WHERE id = ? AND conversation_id = ? AND assistant_state = ?`,
		string(domain.AssistantStateError), nullString(errorCode), placeholder,
		messageID, chatID, string(domain.AssistantStateStreaming))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteMessage removes one turn. It reports false when the turn was not in the conversation.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, chatID, messageID string) (_ bool, err error) {
	defer s.observe("delete_message", time.Now(), &err)

	var deleted bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE id = ? AND conversation_id = ?`, messageID, chatID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = affected > 0
		return nil
	})
	if err != nil || !deleted {
		return deleted, err
	}
	return true, s.recount(ctx, chatID)
}

// CountMessages returns the live number of turns stored for a conversation.
func (s *SQLiteStore) CountMessages(ctx context.Context, chatID string) (_ int, err error) {
	defer s.observe("count_messages", time.Now(), &err)

	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, chatID).Scan(&n)
	return n, err
}

// recount rewrites msg_count from the live row count in its own transaction.
func (s *SQLiteStore) recount(ctx context.Context, chatID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, chatID).Scan(&n); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE chats SET msg_count = ? WHERE id = ?`, n, chatID)
		return err
	})
}

func validateTurn(turn *domain.MessagePair) error {
	if turn == nil || turn.ID == "" {
		return errors.New("message id is required")
	}
	if !turn.AssistantMessage.State.Valid() {
		return fmt.Errorf("invalid assistant state %q", turn.AssistantMessage.State)
	}
	return nil
}

func requireChat(ctx context.Context, q queryer, chatID string) error {
	exists, err := rowExists(ctx, q, `SELECT 1 FROM chats WHERE id = ?`, chatID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
	}
	return nil
}

func rowExists(ctx context.Context, q queryer, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// messageOwner returns the conversation id of a stored turn, or "" if absent.
func messageOwner(ctx context.Context, q queryer, messageID string) (string, error) {
	var owner string
	err := q.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, messageID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return owner, err
}

func insertMessage(ctx context.Context, q queryer, verb, chatID string, turn *domain.MessagePair) error {
	var attachments, stats sql.NullString
	if len(turn.UserMessage.Attachments) > 0 {
		b, err := json.Marshal(turn.UserMessage.Attachments)
		if err != nil {
			return err
		}
		attachments = nullStringBytes(b)
	}
	if turn.AssistantMessage.Stats != nil {
		b, err := json.Marshal(turn.AssistantMessage.Stats)
		if err != nil {
			return err
		}
		stats = nullStringBytes(b)
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := q.ExecContext(ctx,
		verb+` messages (id, conversation_id, timestamp, model_provider, model_name, user_content, user_attachments,
			assistant_state, assistant_content, assistant_stats, assistant_error_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, chatID, formatTime(ts), turn.Model.Provider, turn.Model.Model,
		turn.UserMessage.Content, attachments,
		string(turn.AssistantMessage.State), turn.AssistantMessage.Content, stats,
		nullString(turn.AssistantMessage.ErrorCode))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.MessagePair, error) {
	var msg domain.MessagePair
	var ts, state string
	var attachments, stats, errorCode sql.NullString
	if err := row.Scan(&msg.ID, &ts, &msg.Model.Provider, &msg.Model.Model,
		&msg.UserMessage.Content, &attachments,
		&state, &msg.AssistantMessage.Content, &stats, &errorCode); err != nil {
		return nil, err
	}

	var err error
	if msg.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	msg.AssistantMessage.State = domain.AssistantState(state)
	if attachments.Valid {
		if err := json.Unmarshal([]byte(attachments.String), &msg.UserMessage.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", msg.ID, err)
		}
	}
	if stats.Valid {
		msg.AssistantMessage.Stats = &domain.GenerationStats{}
		if err := json.Unmarshal([]byte(stats.String), msg.AssistantMessage.Stats); err != nil {
			return nil, fmt.Errorf("decode stats of %s: %w", msg.ID, err)
		}
	}
	if errorCode.Valid {
		msg.AssistantMessage.ErrorCode = errorCode.String
	}
	return &msg, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
