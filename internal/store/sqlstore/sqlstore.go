// Package sqlstore implements the conversation store on a SQL database.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/internal/store"
	"github.com/hereforyou/companion/pkg/logger"
)

// Store persists messages in the companion_message table. Live updates are
// pushed for writes made through this Store instance.
type Store struct {
	db      *sql.DB
	dialect Dialect
	hub     *store.Hub
	logger  *logger.Logger
	now     func() time.Time

	// snapshot reads the list published to subscribers after a write.
	snapshot func(ctx context.Context, conversationID string) ([]model.Message, error)
	// retryPolicy paces republishing after a failed snapshot read.
	retryPolicy func() backoff.BackOff

	// writeMu orders insert+publish so subscribers see snapshots in write
	// order. stale holds conversations whose latest write has not been
	// published yet.
	writeMu sync.Mutex
	stale   map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for publish failures.
func WithLogger(log *logger.Logger) Option {
	return func(s *Store) { s.logger = log }
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect.Name, err)
	}
	if dialect.Name == SQLite.Name {
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
	}

	s, err := New(ctx, db, dialect, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", dialect.Name, err)
	}
	for _, stmt := range dialect.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	s := &Store{
		db:      db,
		dialect: dialect,
		hub:     store.NewHub(),
		logger:  logger.Global(),
		now:     time.Now,
		stale:   make(map[string]bool),
	}
	s.snapshot = s.List
	s.retryPolicy = defaultRetryPolicy
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append inserts a message. created_at is clamped to the newest existing
// timestamp of the conversation so the log never goes backwards.
func (s *Store) Append(ctx context.Context, conversationID string, in store.NewMessage) (*model.Message, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg, err := s.insert(ctx, conversationID, in)
	if err != nil {
		return nil, err
	}

	// The message is committed; subscribers get it even if the caller has
	// gone away.
	s.publishLocked(context.WithoutCancel(ctx), conversationID)
	return msg, nil
}

func defaultRetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// publishLocked sends the current list to subscribers. On a failed read the
// conversation is marked stale and republished in the background. Callers
// hold writeMu.
func (s *Store) publishLocked(ctx context.Context, conversationID string) {
	if s.hub.Subscribers(conversationID) == 0 {
		delete(s.stale, conversationID)
		return
	}

	snapshot, err := s.snapshot(ctx, conversationID)
	if err == nil {
		delete(s.stale, conversationID)
		s.hub.Publish(conversationID, snapshot)
		return
	}

	s.logger.Warn("failed to read snapshot for subscribers, retrying",
		zap.String("conversation_id", conversationID),
		zap.Error(err),
	)
	if s.stale[conversationID] {
		// A retry is already running.
		return
	}
	s.stale[conversationID] = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.republish(conversationID)
	}()
}

func (s *Store) republish(conversationID string) {
	op := func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		if !s.stale[conversationID] {
			return nil
		}
		if s.hub.Subscribers(conversationID) == 0 {
			delete(s.stale, conversationID)
			return nil
		}
		snapshot, err := s.snapshot(s.ctx, conversationID)
		if err != nil {
			return err
		}
		delete(s.stale, conversationID)
		s.hub.Publish(conversationID, snapshot)
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.retryPolicy(), s.ctx)); err != nil {
		s.logger.Error("giving up republishing conversation",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		s.writeMu.Lock()
		delete(s.stale, conversationID)
		s.writeMu.Unlock()
	}
}

func (s *Store) insert(ctx context.Context, conversationID string, in store.NewMessage) (*model.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p := s.dialect.placeholder

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM companion_message WHERE conversation_id = `+p(1),
		conversationID,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest timestamp: %w", err)
	}

	createdAt := s.now().UTC()
	if last.Valid && createdAt.UnixNano() < last.Int64 {
		createdAt = time.Unix(0, last.Int64).UTC()
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Author:         in.Author,
		Text:           strings.TrimSpace(in.Text),
		InReplyTo:      in.InReplyTo,
		Fallback:       in.Fallback,
		CreatedAt:      createdAt,
	}

	stmt := fmt.Sprintf(
		`INSERT INTO companion_message (id, conversation_id, author, text, in_reply_to, fallback, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		p(1), p(2), p(3), p(4), p(5), p(6), p(7),
	)
	args := []any{msg.ID, conversationID, string(msg.Author), msg.Text, msg.InReplyTo, msg.Fallback, createdAt.UnixNano()}

	if s.dialect.returning {
		var seq int64
		if err := tx.QueryRowContext(ctx, stmt+" RETURNING seq", args...).Scan(&seq); err != nil {
			return nil, fmt.Errorf("failed to insert message: %w", err)
		}
		msg.Sequence = uint64(seq)
	} else {
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to insert message: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read message sequence: %w", err)
		}
		msg.Sequence = uint64(seq)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

// List returns the conversation in order.
func (s *Store) List(ctx context.Context, conversationID string) ([]model.Message, error) {
	query := `SELECT seq, id, conversation_id, author, text, in_reply_to, fallback, created_at
	          FROM companion_message WHERE conversation_id = ` + s.dialect.placeholder(1) + `
	          ORDER BY created_at ASC, seq ASC`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		var (
			m         model.Message
			seq       int64
			author    string
			createdAt int64
		)
		if err := rows.Scan(&seq, &m.ID, &m.ConversationID, &author, &m.Text, &m.InReplyTo, &m.Fallback, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Sequence = uint64(seq)
		m.Author = model.Author(author)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Subscribe registers fn for live updates of a conversation.
func (s *Store) Subscribe(ctx context.Context, conversationID string, fn store.Listener) (store.Unsubscribe, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snapshot, err := s.List(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return s.hub.Add(conversationID, snapshot, fn), nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops subscriptions and closes the database.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	s.hub.Close()
	return s.db.Close()
}

var _ store.Store = (*Store)(nil)
