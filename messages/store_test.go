package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burugo/eventsync"
	"github.com/burugo/eventsync/upload"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// fakeBackend serves a fixed history and records sends.
type fakeBackend struct {
	mu       sync.Mutex
	history  []Message
	sent     []OutgoingMessage
	sendGate chan struct{} // blocks SendMessage until closed
	sendErr  error
	listCall int
}

func newFakeBackend(conversationID string, n int) *fakeBackend {
	b := &fakeBackend{}
	for i := 0; i < n; i++ {
		b.history = append(b.history, Message{
			ID:             fmt.Sprintf("m%03d", i),
			ConversationID: conversationID,
			SenderID:       "them",
			Content:        fmt.Sprintf("message %d", i),
			CreatedAt:      baseTime.Add(time.Duration(i) * time.Minute),
		})
	}
	return b
}

func (b *fakeBackend) ListMessages(ctx context.Context, conversationID string, before *time.Time, limit int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listCall++
	var out []Message
	for i := len(b.history) - 1; i >= 0 && len(out) < limit; i-- {
		m := b.history[i]
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, conversationID string, msg OutgoingMessage) (Message, error) {
	b.mu.Lock()
	gate := b.sendGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	if b.sendErr != nil {
		return Message{}, b.sendErr
	}
	return Message{
		ID:             fmt.Sprintf("srv-%d", len(b.sent)),
		ConversationID: conversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		AttachmentURL:  msg.AttachmentURL,
		CreatedAt:      baseTime.Add(24 * time.Hour),
	}, nil
}

// fakePush is an in-process push channel.
type fakePush struct {
	mu           sync.Mutex
	handlers     map[string]map[int]func(eventsync.PushEvent)
	next         int
	subscribes   int
	unsubscribes int
}

func newFakePush() *fakePush {
	return &fakePush{handlers: make(map[string]map[int]func(eventsync.PushEvent))}
}

func (p *fakePush) Subscribe(topic string, onEvent func(eventsync.PushEvent)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribes++
	p.next++
	id := p.next
	if p.handlers[topic] == nil {
		p.handlers[topic] = make(map[int]func(eventsync.PushEvent))
	}
	p.handlers[topic][id] = onEvent
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.unsubscribes++
		delete(p.handlers[topic], id)
	}, nil
}

func (p *fakePush) publish(t *testing.T, topic string, typ eventsync.PushEventType, m Message) {
	payload, err := json.Marshal(m)
	require.NoError(t, err)
	p.mu.Lock()
	var handlers []func(eventsync.PushEvent)
	for _, h := range p.handlers[topic] {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()
	for _, h := range handlers {
		h(eventsync.PushEvent{Topic: topic, Type: typ, Payload: payload})
	}
}

type testEnv struct {
	store   *Store
	backend *fakeBackend
	push    *fakePush
	clock   *fakeClock
	cache   *eventsync.Cache
}

func setupStore(t *testing.T, n int, opts Options, uploads *upload.Manager) *testEnv {
	t.Helper()
	clock := &fakeClock{now: baseTime.Add(48 * time.Hour)}
	cache, err := eventsync.NewCache(eventsync.Options{
		Store: eventsync.NewMemoryStore(),
		Now:   clock.Now,
		Defaults: eventsync.FetchOptions{
			StaleTime:      time.Minute,
			BaseDelay:      time.Millisecond,
			AttemptTimeout: 2 * time.Second,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	backend := newFakeBackend("c1", n)
	push := newFakePush()
	if opts.CurrentUserID == "" {
		opts.CurrentUserID = "me"
	}
	s, err := New(cache, backend, push, uploads, opts)
	require.NoError(t, err)
	return &testEnv{store: s, backend: backend, push: push, clock: clock, cache: cache}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestStore_GetPagePaginatesOldestFirst(t *testing.T) {
	env := setupStore(t, 75, Options{}, nil)
	ctx := context.Background()

	first, err := env.store.GetPage(ctx, "c1", "")
	require.NoError(t, err)
	require.Len(t, first.Items, 30)
	assert.Equal(t, "m045", first.Items[0].ID)
	assert.Equal(t, "m074", first.Items[29].ID)
	require.NotNil(t, first.NextCursor)
	assert.Equal(t, FormatCursor(first.Items[0].CreatedAt), *first.NextCursor)

	second, err := env.store.GetPage(ctx, "c1", *first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Items, 30)
	assert.Equal(t, "m015", second.Items[0].ID)
	assert.Equal(t, "m044", second.Items[29].ID)

	third, err := env.store.GetPage(ctx, "c1", *second.NextCursor)
	require.NoError(t, err)
	require.Len(t, third.Items, 15)
	assert.Equal(t, "m000", third.Items[0].ID)
	assert.Nil(t, third.NextCursor, "A short page ends the history")

	timeline := env.store.Messages("c1")
	require.Len(t, timeline, 75)
	assert.True(t, sort.SliceIsSorted(timeline, func(i, j int) bool {
		return timeline[i].CreatedAt.Before(timeline[j].CreatedAt)
	}))

	// A second request for the same page is served from the cache.
	_, err = env.store.GetPage(ctx, "c1", "")
	require.NoError(t, err)
	env.backend.mu.Lock()
	assert.Equal(t, 3, env.backend.listCall)
	env.backend.mu.Unlock()
}

func TestStore_TimelineIsCapped(t *testing.T) {
	env := setupStore(t, 75, Options{MaxMessages: 40}, nil)
	ctx := context.Background()

	cursor := ""
	for {
		page, err := env.store.GetPage(ctx, "c1", cursor)
		require.NoError(t, err)
		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
	}
	timeline := env.store.Messages("c1")
	require.Len(t, timeline, 40)
	assert.Equal(t, "m035", timeline[0].ID, "The oldest messages are dropped first")
	assert.Equal(t, "m074", timeline[39].ID)
}

func TestStore_Pager(t *testing.T) {
	env := setupStore(t, 75, Options{}, nil)
	ctx := context.Background()

	p, err := env.store.Pager("c1")
	require.NoError(t, err)
	same, err := env.store.Pager("c1")
	require.NoError(t, err)
	assert.Same(t, p, same)

	for p.HasMore() {
		require.NoError(t, p.LoadNextPage(ctx))
	}
	assert.Len(t, p.Pages(), 3)
	assert.Len(t, p.Data(), 75)
	assert.Len(t, env.store.Messages("c1"), 75)

	require.NoError(t, env.store.Invalidate(ctx, "c1"))
	assert.Empty(t, env.store.Messages("c1"))
	assert.True(t, p.HasMore())
	assert.Empty(t, p.Data())
	_, ok := env.cache.Peek(ctx, "messages:c1:first")
	assert.False(t, ok)
}

func TestStore_OptimisticSend(t *testing.T) {
	env := setupStore(t, 3, Options{}, nil)
	ctx := context.Background()
	_, err := env.store.GetPage(ctx, "c1", "")
	require.NoError(t, err)

	gate := make(chan struct{})
	env.backend.sendGate = gate

	var (
		mu   sync.Mutex
		seen []Message
	)
	unsubscribe, err := env.store.Subscribe("c1", func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, m)
	})
	require.NoError(t, err)
	defer unsubscribe()

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := env.store.Send(ctx, "c1", Draft{Content: "hello"})
		done <- result{m, err}
	}()

	require.Eventually(t, func() bool { return len(env.store.Messages("c1")) == 4 }, 2*time.Second, 5*time.Millisecond)
	timeline := env.store.Messages("c1")
	pending := timeline[3]
	assert.True(t, pending.IsOptimistic())
	assert.True(t, strings.HasPrefix(pending.ID, "temp-"))
	assert.Equal(t, "me", pending.SenderID)

	close(gate)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "srv-1", res.msg.ID)
	assert.False(t, res.msg.Sending)

	timeline = env.store.Messages("c1")
	require.Len(t, timeline, 4)
	assert.Equal(t, []string{"m000", "m001", "m002", "srv-1"}, ids(timeline))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.True(t, seen[0].Sending)
	assert.Equal(t, "srv-1", seen[1].ID)
}

func TestStore_PushAcknowledgesPendingSend(t *testing.T) {
	env := setupStore(t, 0, Options{}, nil)
	ctx := context.Background()
	gate := make(chan struct{})
	env.backend.sendGate = gate

	unsubscribe, err := env.store.Subscribe("c1", func(Message) {})
	require.NoError(t, err)
	defer unsubscribe()

	done := make(chan error, 1)
	go func() {
		_, err := env.store.Send(ctx, "c1", Draft{Content: "race"})
		done <- err
	}()
	require.Eventually(t, func() bool { return len(env.store.Messages("c1")) == 1 }, 2*time.Second, 5*time.Millisecond)

	// The push arrives before the send response.
	env.push.publish(t, Topic("c1"), eventsync.PushEventCreated, Message{
		ID: "srv-1", SenderID: "me", Content: "race", CreatedAt: baseTime.Add(24 * time.Hour),
	})
	timeline := env.store.Messages("c1")
	require.Len(t, timeline, 1)
	assert.Equal(t, "srv-1", timeline[0].ID)
	assert.False(t, timeline[0].Sending)

	close(gate)
	require.NoError(t, <-done)
	timeline = env.store.Messages("c1")
	require.Len(t, timeline, 1, "The message must appear exactly once")
	assert.Equal(t, "srv-1", timeline[0].ID)
	assert.Equal(t, "c1", timeline[0].ConversationID)
}

func TestStore_SendFailureRemovesOptimisticEntry(t *testing.T) {
	env := setupStore(t, 2, Options{}, nil)
	ctx := context.Background()
	_, err := env.store.GetPage(ctx, "c1", "")
	require.NoError(t, err)

	env.backend.sendErr = &eventsync.ValidationError{Field: "message", Reason: "too long"}
	_, err = env.store.Send(ctx, "c1", Draft{Content: "nope"})
	assert.ErrorIs(t, err, eventsync.ErrValidation)
	assert.Equal(t, []string{"m000", "m001"}, ids(env.store.Messages("c1")))
}

func TestStore_SubscribeDedupesAndSharesPushSubscription(t *testing.T) {
	env := setupStore(t, 0, Options{}, nil)

	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	listener := func(name string) func(Message) {
		return func(m Message) {
			mu.Lock()
			defer mu.Unlock()
			calls[name+":"+m.ID]++
		}
	}
	unsubA, err := env.store.Subscribe("c1", listener("a"))
	require.NoError(t, err)
	unsubB, err := env.store.Subscribe("c1", listener("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, env.push.subscribes, "Subscribers share one push subscription")

	m := Message{ID: "p1", SenderID: "them", Content: "hi", CreatedAt: baseTime}
	env.push.publish(t, Topic("c1"), eventsync.PushEventCreated, m)
	env.push.publish(t, Topic("c1"), eventsync.PushEventCreated, m)

	mu.Lock()
	assert.Equal(t, map[string]int{"a:p1": 1, "b:p1": 1}, calls, "Duplicate deliveries are dropped")
	mu.Unlock()
	require.Len(t, env.store.Messages("c1"), 1)

	m.Content = "hi (edited)"
	env.push.publish(t, Topic("c1"), eventsync.PushEventUpdated, m)
	assert.Equal(t, "hi (edited)", env.store.Messages("c1")[0].Content)

	env.push.publish(t, Topic("c1"), eventsync.PushEventDeleted, Message{ID: "p1"})
	assert.Empty(t, env.store.Messages("c1"))

	unsubA()
	unsubA()
	assert.Equal(t, 0, env.push.unsubscribes)
	unsubB()
	assert.Equal(t, 1, env.push.unsubscribes, "The last subscriber releases the push subscription")
}

func TestStore_TimelineExpires(t *testing.T) {
	env := setupStore(t, 5, Options{TTL: 10 * time.Minute}, nil)
	_, err := env.store.GetPage(context.Background(), "c1", "")
	require.NoError(t, err)
	assert.Len(t, env.store.Messages("c1"), 5)

	env.clock.Advance(9 * time.Minute)
	assert.Len(t, env.store.Messages("c1"), 5)
	env.clock.Advance(2 * time.Minute)
	assert.Nil(t, env.store.Messages("c1"))
}

// attachmentEndpoint is an in-memory upload endpoint.
type attachmentEndpoint struct {
	mu       sync.Mutex
	sessions map[string][]byte
}

func (e *attachmentEndpoint) QueryOffset(ctx context.Context, token, sessionID string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.sessions[sessionID]
	if !ok {
		return 0, eventsync.ErrSessionNotFound
	}
	return uint64(len(data)), nil
}

func (e *attachmentEndpoint) CreateSession(ctx context.Context, token string, session upload.Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[session.ID] = []byte{}
	return nil
}

func (e *attachmentEndpoint) UploadChunk(ctx context.Context, token, sessionID string, offset uint64, chunk []byte) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[sessionID] = append(e.sessions[sessionID], chunk...)
	return uint64(len(e.sessions[sessionID])), nil
}

func (e *attachmentEndpoint) PublicURL(dest upload.Destination) string {
	return "https://cdn.example.com/" + dest.Container + "/" + dest.ObjectName
}

func TestStore_SendWithAttachment(t *testing.T) {
	endpoint := &attachmentEndpoint{sessions: make(map[string][]byte)}
	uploads, err := upload.New(eventsync.NewMemoryStore(), endpoint, upload.Options{ChunkSize: 1024})
	require.NoError(t, err)
	t.Cleanup(func() { _ = uploads.Close() })

	env := setupStore(t, 0, Options{}, uploads)
	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(path, make([]byte, 4000), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sent, err := env.store.Send(ctx, "c1", Draft{Content: "look", AttachmentPath: path, AttachmentContentType: "image/jpeg"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sent.AttachmentURL, "https://cdn.example.com/attachments/c1/"))
	assert.True(t, strings.HasSuffix(sent.AttachmentURL, ".jpg"))
	env.backend.mu.Lock()
	require.Len(t, env.backend.sent, 1)
	assert.Equal(t, sent.AttachmentURL, env.backend.sent[0].AttachmentURL)
	env.backend.mu.Unlock()
}

func TestStore_Validation(t *testing.T) {
	env := setupStore(t, 0, Options{}, nil)
	ctx := context.Background()

	_, err := env.store.GetPage(ctx, " ", "")
	assert.ErrorIs(t, err, eventsync.ErrValidation)
	_, err = env.store.GetPage(ctx, "c1", "yesterday")
	assert.ErrorIs(t, err, eventsync.ErrValidation)
	_, err = env.store.Send(ctx, "c1", Draft{})
	assert.ErrorIs(t, err, eventsync.ErrValidation)
	_, err = env.store.Send(ctx, "c1", Draft{Content: "x", AttachmentPath: "/tmp/a.png"})
	assert.ErrorIs(t, err, eventsync.ErrValidation, "Attachments need an upload manager")
	_, err = env.store.Subscribe("c1", nil)
	assert.ErrorIs(t, err, eventsync.ErrValidation)

	_, err = New(nil, env.backend, nil, nil, Options{})
	assert.True(t, errors.Is(err, eventsync.ErrValidation))
}
