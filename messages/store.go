// Package messages keeps conversation timelines in sync: paginated history through
// the query cache, optimistic sends and real-time merges from the push channel.
package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/burugo/eventsync"
	"github.com/burugo/eventsync/upload"
)

// --- Store Constants ---

const (
	DefaultPageSize            = 30
	DefaultMaxMessages         = 500
	DefaultTTL                 = 10 * time.Minute
	DefaultAttachmentContainer = "attachments"
)

// Options configures a Store. Zero values fall back to the package defaults.
type Options struct {
	PageSize    int
	MaxMessages int
	// TTL is how long a timeline survives without fetch or push activity.
	TTL time.Duration
	// CurrentUserID is the sender of optimistic messages.
	CurrentUserID       string
	AttachmentContainer string
	// Fetch is passed to every page fetch.
	Fetch eventsync.FetchOptions
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = DefaultMaxMessages
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.AttachmentContainer == "" {
		o.AttachmentContainer = DefaultAttachmentContainer
	}
	return o
}

// Store is the message sync store. Pages go through the shared query cache, so
// concurrent page requests are deduplicated and retried like any other query.
type Store struct {
	cache   *eventsync.Cache
	backend Backend
	push    eventsync.PushChannel
	uploads *upload.Manager
	opts    Options

	mu            sync.Mutex
	conversations map[string]*conversation
}

type conversation struct {
	timeline  timeline
	expiresAt time.Time

	nextID      int
	listeners   map[int]func(Message)
	unsubscribe func() // push subscription, held while listeners exist

	pager *eventsync.Pager[Message]
}

// New creates a Store. push and uploads may be nil: without push, Subscribe only
// reports local sends; without uploads, drafts with attachments are rejected.
func New(cache *eventsync.Cache, backend Backend, push eventsync.PushChannel, uploads *upload.Manager, opts Options) (*Store, error) {
	if cache == nil {
		return nil, &eventsync.ValidationError{Field: "cache", Reason: "must not be nil"}
	}
	if backend == nil {
		return nil, &eventsync.ValidationError{Field: "backend", Reason: "must not be nil"}
	}
	return &Store{
		cache:         cache,
		backend:       backend,
		push:          push,
		uploads:       uploads,
		opts:          opts.withDefaults(),
		conversations: make(map[string]*conversation),
	}, nil
}

func baseKey(conversationID string) string { return "messages:" + conversationID }

func pageKey(conversationID, cursor string) string {
	if cursor == "" {
		return baseKey(conversationID) + ":first"
	}
	return baseKey(conversationID) + ":" + cursor
}

// Topic is the push topic carrying a conversation's message events.
func Topic(conversationID string) string { return "messages:" + conversationID }

// FormatCursor renders the cursor that pages before t.
func FormatCursor(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// GetPage returns the page of messages older than cursor ("" for the latest),
// oldest first, and merges it into the conversation timeline.
func (s *Store) GetPage(ctx context.Context, conversationID, cursor string) (eventsync.Page[Message], error) {
	if err := validateConversation(conversationID); err != nil {
		return eventsync.Page[Message]{}, err
	}
	if cursor != "" {
		if _, err := time.Parse(time.RFC3339Nano, cursor); err != nil {
			return eventsync.Page[Message]{}, &eventsync.ValidationError{Field: "cursor", Reason: err.Error()}
		}
	}
	page, err := eventsync.Load(ctx, s.cache, pageKey(conversationID, cursor), func(ctx context.Context) (eventsync.Page[Message], error) {
		return s.fetchPage(ctx, conversationID, cursor)
	}, s.opts.Fetch)
	if err != nil {
		return eventsync.Page[Message]{}, err
	}
	s.merge(conversationID, page.Items)
	return page, nil
}

// fetchPage asks the backend for one page and reverses it to oldest first.
func (s *Store) fetchPage(ctx context.Context, conversationID, cursor string) (eventsync.Page[Message], error) {
	var before *time.Time
	if cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return eventsync.Page[Message]{}, &eventsync.ValidationError{Field: "cursor", Reason: err.Error()}
		}
		before = &t
	}
	newestFirst, err := s.backend.ListMessages(ctx, conversationID, before, s.opts.PageSize)
	if err != nil {
		return eventsync.Page[Message]{}, err
	}
	items := make([]Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		m := newestFirst[i]
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		m.Sending = false
		items = append(items, m)
	}
	page := eventsync.Page[Message]{Items: items}
	if len(newestFirst) >= s.opts.PageSize && len(items) > 0 {
		next := FormatCursor(items[0].CreatedAt)
		page.NextCursor = &next
	}
	s.merge(conversationID, items)
	return page, nil
}

// Pager returns the conversation's infinite pager, newest page first.
func (s *Store) Pager(conversationID string) (*eventsync.Pager[Message], error) {
	if err := validateConversation(conversationID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversationLocked(conversationID)
	if conv.pager != nil {
		return conv.pager, nil
	}
	p, err := eventsync.NewPager(s.cache, baseKey(conversationID), func(ctx context.Context, cursor string) (eventsync.Page[Message], error) {
		return s.fetchPage(ctx, conversationID, cursor)
	}, eventsync.PagerOptions[Message]{FetchOptions: s.opts.Fetch})
	if err != nil {
		return nil, err
	}
	conv.pager = p
	return p, nil
}

// Messages returns the cached timeline, oldest first. An expired timeline is empty.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	if s.expiredLocked(conv) {
		return nil
	}
	return conv.timeline.snapshot()
}

// Send inserts an optimistic message, uploads the attachment if any, sends the
// message and reconciles the optimistic entry with the server record.
func (s *Store) Send(ctx context.Context, conversationID string, draft Draft) (Message, error) {
	if err := validateConversation(conversationID); err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(draft.Content) == "" && draft.AttachmentPath == "" {
		return Message{}, &eventsync.ValidationError{Field: "content", Reason: "message is empty"}
	}
	if draft.AttachmentPath != "" && s.uploads == nil {
		return Message{}, &eventsync.ValidationError{Field: "attachment", Reason: "no upload manager configured"}
	}

	optimistic := Message{
		ID:             tempIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.opts.CurrentUserID,
		Content:        draft.Content,
		CreatedAt:      s.cache.Now(),
		Sending:        true,
	}
	s.insertOptimistic(conversationID, optimistic)

	attachmentURL, err := s.uploadAttachment(ctx, conversationID, draft)
	if err != nil {
		s.dropOptimistic(conversationID, optimistic.ID)
		return Message{}, err
	}

	sent, err := s.backend.SendMessage(ctx, conversationID, OutgoingMessage{
		SenderID:      optimistic.SenderID,
		Content:       draft.Content,
		AttachmentURL: attachmentURL,
	})
	if err != nil {
		log.Printf("WARN: Sending message to conversation '%s' failed: %v", conversationID, err)
		s.dropOptimistic(conversationID, optimistic.ID)
		return Message{}, err
	}
	if sent.ConversationID == "" {
		sent.ConversationID = conversationID
	}
	sent.Sending = false
	s.reconcile(conversationID, optimistic.ID, sent)

	// The latest page no longer reflects the conversation.
	if err := s.cache.Invalidate(ctx, pageKey(conversationID, "")); err != nil {
		log.Printf("WARN: Failed to invalidate latest page of '%s': %v", conversationID, err)
	}
	return sent, nil
}

func (s *Store) uploadAttachment(ctx context.Context, conversationID string, draft Draft) (string, error) {
	if draft.AttachmentPath == "" {
		return "", nil
	}
	dest := upload.Destination{
		Container:   s.opts.AttachmentContainer,
		ObjectName:  conversationID + "/" + uuid.NewString() + filepath.Ext(draft.AttachmentPath),
		ContentType: draft.AttachmentContentType,
	}
	id, err := s.uploads.Enqueue(ctx, draft.AttachmentPath, dest, upload.Callbacks{})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue attachment: %w", err)
	}
	task, err := s.uploads.Wait(ctx, id)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Printf("WARN: Stopped waiting for attachment upload %s; it continues in the background", id)
		}
		return "", fmt.Errorf("attachment upload %s: %w", id, err)
	}
	return task.ResultURL, nil
}

// Subscribe registers onMessage for every message merged into the conversation.
// The push subscription is shared by all subscribers of the conversation.
func (s *Store) Subscribe(conversationID string, onMessage func(Message)) (unsubscribe func(), err error) {
	if err := validateConversation(conversationID); err != nil {
		return nil, err
	}
	if onMessage == nil {
		return nil, &eventsync.ValidationError{Field: "onMessage", Reason: "must not be nil"}
	}

	s.mu.Lock()
	conv := s.conversationLocked(conversationID)
	conv.nextID++
	id := conv.nextID
	conv.listeners[id] = onMessage
	needsPush := s.push != nil && conv.unsubscribe == nil
	if needsPush {
		// Placeholder so a concurrent Subscribe does not subscribe twice.
		conv.unsubscribe = func() {}
	}
	s.mu.Unlock()

	if needsPush {
		pushUnsubscribe, err := s.push.Subscribe(Topic(conversationID), func(ev eventsync.PushEvent) {
			s.handlePush(conversationID, ev)
		})
		s.mu.Lock()
		if err != nil {
			delete(conv.listeners, id)
			conv.unsubscribe = nil
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", Topic(conversationID), err)
		}
		if len(conv.listeners) == 0 {
			// Every subscriber left while we were subscribing.
			conv.unsubscribe = nil
			s.mu.Unlock()
			pushUnsubscribe()
			return func() {}, nil
		}
		conv.unsubscribe = pushUnsubscribe
		s.mu.Unlock()
		log.Printf("DEBUG: Subscribed to %s", Topic(conversationID))
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.removeListener(conversationID, id) })
	}, nil
}

func (s *Store) removeListener(conversationID string, id int) {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(conv.listeners, id)
	var release func()
	if len(conv.listeners) == 0 && conv.unsubscribe != nil {
		release = conv.unsubscribe
		conv.unsubscribe = nil
	}
	s.mu.Unlock()
	if release != nil {
		release()
		log.Printf("DEBUG: Unsubscribed from %s", Topic(conversationID))
	}
}

// Invalidate drops the cached timeline and every cached page of the conversation.
func (s *Store) Invalidate(ctx context.Context, conversationID string) error {
	if err := validateConversation(conversationID); err != nil {
		return err
	}
	s.mu.Lock()
	var pager *eventsync.Pager[Message]
	if conv, ok := s.conversations[conversationID]; ok {
		conv.timeline.messages = nil
		pager = conv.pager
	}
	s.mu.Unlock()
	if pager != nil {
		if err := pager.Reset(ctx); err != nil {
			return err
		}
	}
	return s.cache.InvalidatePrefix(ctx, baseKey(conversationID)+":")
}

// handlePush merges one push event. Events are at-least-once, so a created event
// for a known id is dropped and one that acknowledges a pending send replaces it.
func (s *Store) handlePush(conversationID string, ev eventsync.PushEvent) {
	var m Message
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		log.Printf("WARN: Ignoring malformed %s event on %s: %v", ev.Type, ev.Topic, err)
		return
	}
	if m.ID == "" {
		log.Printf("WARN: Ignoring %s event without message id on %s", ev.Type, ev.Topic)
		return
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	m.Sending = false

	s.mu.Lock()
	conv := s.conversationLocked(conversationID)
	s.touchLocked(conv)
	merged := false
	switch ev.Type {
	case eventsync.PushEventCreated:
		if conv.timeline.indexOf(m.ID) >= 0 {
			break
		}
		if i := conv.timeline.pendingMatch(m); i >= 0 {
			conv.timeline.replaceAt(i, m)
		} else {
			conv.timeline.upsert(m)
		}
		merged = true
	case eventsync.PushEventUpdated:
		conv.timeline.upsert(m)
		merged = true
	case eventsync.PushEventDeleted:
		conv.timeline.remove(m.ID)
	default:
		log.Printf("WARN: Ignoring unknown push event type '%s' on %s", ev.Type, ev.Topic)
	}
	listeners := listenersOf(conv)
	s.mu.Unlock()

	if merged {
		for _, l := range listeners {
			l(m)
		}
	}
}

func (s *Store) insertOptimistic(conversationID string, m Message) {
	s.mu.Lock()
	conv := s.conversationLocked(conversationID)
	s.touchLocked(conv)
	conv.timeline.upsert(m)
	listeners := listenersOf(conv)
	s.mu.Unlock()
	for _, l := range listeners {
		l(m)
	}
}

func (s *Store) dropOptimistic(conversationID, tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.timeline.remove(tempID)
	}
}

// reconcile replaces the optimistic entry with the server record in place. When a
// push already acknowledged it, the record is upserted by id instead.
func (s *Store) reconcile(conversationID, tempID string, sent Message) {
	s.mu.Lock()
	conv := s.conversationLocked(conversationID)
	s.touchLocked(conv)
	if i := conv.timeline.indexOf(tempID); i >= 0 {
		conv.timeline.replaceAt(i, sent)
	} else {
		conv.timeline.upsert(sent)
	}
	listeners := listenersOf(conv)
	s.mu.Unlock()
	for _, l := range listeners {
		l(sent)
	}
}

// merge adds fetched messages to the timeline.
func (s *Store) merge(conversationID string, items []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversationLocked(conversationID)
	s.touchLocked(conv)
	for _, m := range items {
		conv.timeline.upsert(m)
	}
}

func (s *Store) conversationLocked(conversationID string) *conversation {
	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &conversation{
			timeline:  timeline{max: s.opts.MaxMessages},
			listeners: make(map[int]func(Message)),
		}
		s.conversations[conversationID] = conv
	}
	if s.expiredLocked(conv) {
		conv.timeline.messages = nil
	}
	return conv
}

func (s *Store) expiredLocked(conv *conversation) bool {
	return !conv.expiresAt.IsZero() && !s.cache.Now().Before(conv.expiresAt)
}

func (s *Store) touchLocked(conv *conversation) {
	conv.expiresAt = s.cache.Now().Add(s.opts.TTL)
}

func listenersOf(conv *conversation) []func(Message) {
	out := make([]func(Message), 0, len(conv.listeners))
	for _, l := range conv.listeners {
		out = append(out, l)
	}
	return out
}

func validateConversation(conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return &eventsync.ValidationError{Field: "conversationID", Reason: "must not be empty"}
	}
	return nil
}
