package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/hereforyou/companion/internal/model"
	"github.com/hereforyou/companion/internal/store"
	"github.com/hereforyou/companion/pkg/logger"
)

const (
	// StreamName is the name of the conversation log stream.
	StreamName = "COMPANION"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "chat"

	fetchBatch = 256
)

// MessageSubject returns the subject a message is published on.
func MessageSubject(conversationID string, author model.Author) string {
	return fmt.Sprintf("%s.%s.msg.%s", SubjectPrefix, conversationID, author)
}

// ConversationFilter returns the filter subject for all messages in a conversation.
func ConversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg.>", SubjectPrefix, conversationID)
}

// record is the JSON payload stored per message. Sequence and timestamp come
// from the stream itself.
type record struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Author         model.Author `json:"author"`
	Text           string       `json:"text"`
	InReplyTo      string       `json:"in_reply_to,omitempty"`
	Fallback       bool         `json:"fallback,omitempty"`
}

func (r record) message(seq uint64, ts time.Time) model.Message {
	return model.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Author:         r.Author,
		Text:           r.Text,
		InReplyTo:      r.InReplyTo,
		Fallback:       r.Fallback,
		CreatedAt:      ts.UTC(),
		Sequence:       seq,
	}
}

// Store is a conversation store on a JetStream stream. Every message is one
// stream entry; the stream sequence is the message sequence and the server
// timestamp is created_at, so ordering is assigned by the server.
type Store struct {
	client *Client
	stream jetstream.Stream
	hub    *store.Hub
	logger *logger.Logger

	mu    sync.Mutex
	feeds map[string]*feed
}

// feed is the single ordered consumer shared by all local subscribers of a
// conversation.
type feed struct {
	mu       sync.Mutex
	messages []model.Message
	lastSeq  uint64
	consume  jetstream.ConsumeContext
	refs     int
}

// NewStore ensures the stream exists and returns a store on it.
func NewStore(ctx context.Context, client *Client, log *logger.Logger) (*Store, error) {
	stream, err := EnsureStream(ctx, client.JetStream())
	if err != nil {
		return nil, err
	}
	return &Store{
		client: client,
		stream: stream,
		hub:    store.NewHub(),
		logger: log,
		feeds:  make(map[string]*feed),
	}, nil
}

// EnsureStream creates the conversation stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to look up stream: %w", err)
	}

	stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Companion conversation logs",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	return stream, nil
}

// Append publishes one message and reads back its server timestamp.
func (s *Store) Append(ctx context.Context, conversationID string, in store.NewMessage) (*model.Message, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	rec := record{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Author:         in.Author,
		Text:           strings.TrimSpace(in.Text),
		InReplyTo:      in.InReplyTo,
		Fallback:       in.Fallback,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := s.client.JetStream().Publish(ctx, MessageSubject(conversationID, in.Author), data,
		jetstream.WithMsgID(rec.ID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	raw, err := s.stream.GetMsg(ctx, ack.Sequence)
	if err != nil {
		return nil, fmt.Errorf("failed to read back message %d: %w", ack.Sequence, err)
	}

	msg := rec.message(ack.Sequence, raw.Time)
	return &msg, nil
}

// List reads the conversation from the start of the stream.
func (s *Store) List(ctx context.Context, conversationID string) ([]model.Message, error) {
	filter := ConversationFilter(conversationID)

	info, err := s.stream.Info(ctx, jetstream.WithSubjectFilter(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to read stream info: %w", err)
	}
	var total uint64
	for _, n := range info.State.Subjects {
		total += n
	}
	messages := make([]model.Message, 0, total)
	if total == 0 {
		return messages, nil
	}

	consumer, err := s.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	for uint64(len(messages)) < total {
		batch, err := consumer.Fetch(fetchBatch, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		received := 0
		done := false
		for raw := range batch.Messages() {
			received++
			msg, meta, err := decode(raw)
			if err != nil {
				s.logger.Warn("skipping undecodable message", zap.String("subject", raw.Subject()), zap.Error(err))
				if meta != nil && meta.NumPending == 0 {
					done = true
					break
				}
				continue
			}
			messages = append(messages, msg)
			// The last message of the filter ends the read without waiting
			// for the fetch to expire.
			if meta.NumPending == 0 {
				done = true
				break
			}
		}
		if done {
			break
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 {
			break
		}
	}

	return messages, nil
}

// Subscribe shares one ordered consumer per conversation between all local
// subscribers.
func (s *Store) Subscribe(ctx context.Context, conversationID string, fn store.Listener) (store.Unsubscribe, error) {
	f, err := s.acquireFeed(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	unsubscribe := s.hub.Add(conversationID, f.messages, fn)
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			s.releaseFeed(conversationID)
		})
	}, nil
}

func (s *Store) acquireFeed(ctx context.Context, conversationID string) (*feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.feeds[conversationID]; ok {
		f.refs++
		return f, nil
	}

	messages, err := s.List(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	f := &feed{messages: messages, refs: 1}
	if n := len(messages); n > 0 {
		f.lastSeq = messages[n-1].Sequence
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ConversationFilter(conversationID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if f.lastSeq > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = f.lastSeq + 1
	}
	consumer, err := s.client.JetStream().OrderedConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	f.consume, err = consumer.Consume(func(raw jetstream.Msg) {
		msg, _, err := decode(raw)
		if err != nil {
			s.logger.Warn("skipping undecodable message", zap.String("subject", raw.Subject()), zap.Error(err))
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if msg.Sequence <= f.lastSeq {
			return
		}
		f.lastSeq = msg.Sequence
		f.messages = append(f.messages, msg)
		s.hub.Publish(conversationID, f.messages)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	s.feeds[conversationID] = f
	return f, nil
}

func (s *Store) releaseFeed(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.feeds[conversationID]
	if !ok {
		return
	}
	f.refs--
	if f.refs > 0 {
		return
	}
	f.consume.Stop()
	delete(s.feeds, conversationID)
}

// Ping reports whether the NATS connection is up.
func (s *Store) Ping(context.Context) error {
	if !s.client.IsConnected() {
		return errors.New("NATS not connected")
	}
	return nil
}

// Close stops all consumers. The connection is owned by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	for id, f := range s.feeds {
		f.consume.Stop()
		delete(s.feeds, id)
	}
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

func decode(raw jetstream.Msg) (model.Message, *jetstream.MsgMetadata, error) {
	meta, err := raw.Metadata()
	if err != nil {
		return model.Message{}, nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw.Data(), &rec); err != nil {
		return model.Message{}, meta, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return rec.message(meta.Sequence.Stream, meta.Timestamp), meta, nil
}

var _ store.Store = (*Store)(nil)
