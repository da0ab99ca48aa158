package views

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/kbdesk/internal/delivery"
	"github.com/user/kbdesk/internal/kbtest"
	"github.com/user/kbdesk/internal/query"
	"github.com/user/kbdesk/internal/state"
	"github.com/user/kbdesk/internal/types"
	"github.com/user/kbdesk/pkg/kbapi"
)

const owner = "ada@example.com"

type stubTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *stubTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type stubTimers struct {
	mu     sync.Mutex
	timers []*stubTimer
}

func (s *stubTimers) AfterFunc(d time.Duration, f func()) query.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &stubTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *stubTimers) pending() []*stubTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*stubTimer
	for _, t := range s.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

type env struct {
	srv    *kbtest.Server
	api    *kbapi.Client
	cache  *query.Client
	timers *stubTimers
}

func newEnv(t *testing.T) *env {
	t.Helper()
	srv := kbtest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddUser(owner, "pw", "Ada")

	tokens := state.NewMemoryTokenStore(srv.IssueToken(owner))
	api := kbapi.New(&kbapi.Config{BaseURL: srv.URL()})
	api.Use(kbapi.BearerAuth(tokens), kbapi.Unauthorized(tokens))

	timers := &stubTimers{}
	cache := query.NewClient(query.WithTimers(timers))
	t.Cleanup(cache.Close)
	return &env{srv: srv, api: api, cache: cache, timers: timers}
}

func TestDocumentsPollWhileProcessing(t *testing.T) {
	e := newEnv(t)
	id := e.srv.AddDocument(owner, "Guide", "processing", "text")
	docs := NewDocuments(e.api, e.cache)

	list, err := docs.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, CountProcessing(list))

	pending := e.timers.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 3000*time.Millisecond, pending[0].d)
	assert.True(t, docs.Polling())

	e.srv.SetDocumentStatus(id, "completed")
	pending[0].stopped = true
	pending[0].f()

	assert.Empty(t, e.timers.pending())
	assert.False(t, docs.Polling())
	assert.Equal(t, 2, e.srv.Count(http.MethodGet, "/api/v1/documents/"))
}

func TestSubscribersFollowRefreshAndPolls(t *testing.T) {
	e := newEnv(t)
	id := e.srv.AddDocument(owner, "Guide", "processing", "text")
	docs := NewDocuments(e.api, e.cache)

	var (
		mu     sync.Mutex
		prev   []types.Document
		events []string
		lists  int
	)
	cancel := docs.Subscribe(func(list []types.Document, err error) {
		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		events = append(events, delivery.DocumentEvents(prev, list)...)
		prev = list
		lists++
	})
	defer cancel()

	_, err := docs.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, lists)

	e.srv.SetDocumentStatus(id, "completed")
	pending := e.timers.pending()
	require.Len(t, pending, 1)
	pending[0].stopped = true
	pending[0].f()

	assert.Equal(t, 2, lists)
	assert.Equal(t, []string{`Document "Guide" is ready.`}, events)
}

func TestDocumentsNoPollingWhenIdle(t *testing.T) {
	e := newEnv(t)
	e.srv.AddDocument(owner, "Done", "completed", "text")
	e.srv.AddDocument(owner, "Broken", "failed", "")
	docs := NewDocuments(e.api, e.cache)

	_, err := docs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, e.timers.pending())
}

func TestPreviewRejectsUnfinishedDocumentLocally(t *testing.T) {
	e := newEnv(t)
	docs := NewDocuments(e.api, e.cache)
	before := len(e.srv.Requests())

	for _, status := range []types.DocumentStatus{types.StatusProcessing, types.StatusFailed} {
		_, err := docs.Preview(context.Background(), types.Document{ID: "1", Status: status})
		var valErr *kbapi.ValidationError
		require.True(t, errors.As(err, &valErr))
		assert.Equal(t, "Document is still being processed. Please wait for processing to complete.", valErr.Message)
	}
	assert.Len(t, e.srv.Requests(), before)
}

func TestPreviewFetchesOnceAndCaches(t *testing.T) {
	e := newEnv(t)
	id := e.srv.AddDocument(owner, "Guide", "completed", "<h1>Guide</h1><p>body</p>")
	docs := NewDocuments(e.api, e.cache)
	doc := types.Document{ID: types.ID(id), Status: types.StatusCompleted}

	p, err := docs.Preview(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "<h1>Guide</h1><p>body</p>", p.Content)
	assert.Contains(t, p.Text, "# Guide")

	_, err = docs.Preview(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 1, e.srv.Count(http.MethodGet, "/api/v1/documents/"+id+"/content"))
}

func TestUploadInvalidatesList(t *testing.T) {
	e := newEnv(t)
	docs := NewDocuments(e.api, e.cache)
	_, err := docs.List(context.Background())
	require.NoError(t, err)
	require.False(t, e.cache.IsStale(KeyDocuments))

	doc, err := docs.Upload(context.Background(), kbapi.Upload{
		FileName: "a.txt", File: strings.NewReader("hello"), Size: 5, Title: "A",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, doc.Status)
	assert.True(t, e.cache.IsStale(KeyDocuments))

	list, err := docs.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Len(t, e.timers.pending(), 1)
}

func TestFailedUploadKeepsList(t *testing.T) {
	e := newEnv(t)
	docs := NewDocuments(e.api, e.cache)
	_, err := docs.List(context.Background())
	require.NoError(t, err)

	_, err = docs.Upload(context.Background(), kbapi.Upload{FileName: "a.exe", File: strings.NewReader("x"), Title: "A"})
	require.Error(t, err)
	assert.False(t, e.cache.IsStale(KeyDocuments))
}

func TestUploadMany(t *testing.T) {
	e := newEnv(t)
	docs := NewDocuments(e.api, e.cache, WithUploadParallel(2))

	ups := []kbapi.Upload{
		{FileName: "one.txt", File: strings.NewReader("1"), Size: 1, Title: "one"},
		{FileName: "two.exe", File: strings.NewReader("2"), Size: 1, Title: "two"},
		{FileName: "three.md", File: strings.NewReader("3"), Size: 1, Title: "three"},
	}
	results := docs.UploadMany(context.Background(), ups)
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "one", results[0].Document.Title)
	assert.Error(t, results[1].Err)
	require.NoError(t, results[2].Err)
	assert.Equal(t, "three", results[2].Document.Title)

	assert.Equal(t, 2, e.srv.Count(http.MethodPost, "/api/v1/documents/upload"))
	assert.True(t, e.cache.IsStale(KeyDocuments))
}

func TestDeleteInvalidatesList(t *testing.T) {
	e := newEnv(t)
	id := e.srv.AddDocument(owner, "Guide", "completed", "x")
	docs := NewDocuments(e.api, e.cache)
	_, err := docs.List(context.Background())
	require.NoError(t, err)

	require.NoError(t, docs.Delete(context.Background(), types.ID(id)))
	assert.True(t, e.cache.IsStale(KeyDocuments))

	list, err := docs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	err = docs.Delete(context.Background(), types.ID(id))
	var remoteErr *kbapi.RemoteError
	assert.True(t, errors.As(err, &remoteErr))
}

func TestWaitProcessed(t *testing.T) {
	srv := kbtest.NewServer()
	defer srv.Close()
	srv.AddUser(owner, "pw", "")
	id := srv.AddDocument(owner, "Guide", "processing", "x")
	api := kbapi.New(&kbapi.Config{BaseURL: srv.URL()})
	api.Use(kbapi.BearerAuth(state.NewMemoryTokenStore(srv.IssueToken(owner))))

	cache := query.NewClient()
	defer cache.Close()
	docs := NewDocuments(api, cache, WithPollInterval(10*time.Millisecond))

	var updates int
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	list, err := docs.WaitProcessed(ctx, func(d []types.Document) {
		updates++
		if updates == 1 {
			srv.SetDocumentStatus(id, "completed")
		}
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.StatusCompleted, list[0].Status)
	assert.GreaterOrEqual(t, updates, 2)
	assert.False(t, docs.Polling())
}

func TestStatsAndRecent(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var docs []types.Document
	statuses := []types.DocumentStatus{"completed", "completed", "processing", "error", "failed", "completed", "processing"}
	for i, s := range statuses {
		docs = append(docs, types.Document{ID: types.ID(string(rune('a' + i))), Status: s, CreatedAt: base.Add(time.Duration(i) * time.Hour)})
	}

	assert.Equal(t, Stats{Total: 7, Completed: 3, Processing: 2, Failed: 2}, ComputeStats(docs))

	recent := Recent(docs, RecentCount)
	require.Len(t, recent, 5)
	assert.Equal(t, types.ID("g"), recent[0].ID)
	assert.Equal(t, types.ID("c"), recent[4].ID)
	assert.Equal(t, types.ID("a"), docs[0].ID)
}

func TestChatSendStartsConversation(t *testing.T) {
	e := newEnv(t)
	chat := NewChat(e.api, e.cache)

	_, err := chat.Messages(context.Background())
	assert.ErrorIs(t, err, ErrNoConversation)

	_, err = chat.Conversations(context.Background())
	require.NoError(t, err)

	resp, err := chat.Send(context.Background(), "  hello  ")
	require.NoError(t, err)
	require.NotEmpty(t, resp.ConversationID)
	assert.Equal(t, resp.ConversationID, chat.Active())
	assert.True(t, e.cache.IsStale(MessagesKey(resp.ConversationID)))
	assert.True(t, e.cache.IsStale(KeyConversations))

	req, _ := e.srv.Last(http.MethodPost, "/api/v1/chat/")
	assert.JSONEq(t, `{"message":"hello"}`, string(req.Body))

	msgs, err := chat.Messages(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "echo: hello", msgs[1].Content)
}

func TestChatSendToActiveInvalidatesMessages(t *testing.T) {
	e := newEnv(t)
	chat := NewChat(e.api, e.cache)
	resp, err := chat.Send(context.Background(), "first")
	require.NoError(t, err)

	_, err = chat.Messages(context.Background())
	require.NoError(t, err)
	require.False(t, e.cache.IsStale(MessagesKey(resp.ConversationID)))

	second, err := chat.Send(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, resp.ConversationID, second.ConversationID)
	assert.True(t, e.cache.IsStale(MessagesKey(resp.ConversationID)))

	msgs, err := chat.Messages(context.Background())
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestChatSendRejectsEmpty(t *testing.T) {
	e := newEnv(t)
	chat := NewChat(e.api, e.cache)
	_, err := chat.Send(context.Background(), "   ")
	var valErr *kbapi.ValidationError
	assert.True(t, errors.As(err, &valErr))
	assert.Equal(t, 0, e.srv.Count(http.MethodPost, "/api/v1/chat/"))
}

func TestDeleteActiveConversationClearsSelection(t *testing.T) {
	e := newEnv(t)
	chat := NewChat(e.api, e.cache)
	a, err := chat.Send(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, chat.NewConversation())
	b, err := chat.Send(context.Background(), "b")
	require.NoError(t, err)
	require.Equal(t, b.ConversationID, chat.Active())

	require.NoError(t, chat.DeleteConversation(context.Background(), a.ConversationID))
	assert.Equal(t, b.ConversationID, chat.Active())

	require.NoError(t, chat.DeleteConversation(context.Background(), b.ConversationID))
	assert.Empty(t, chat.Active())
	assert.True(t, e.cache.IsStale(KeyConversations))

	convs, err := chat.Conversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestNewConversationClearsMessages(t *testing.T) {
	e := newEnv(t)
	chat := NewChat(e.api, e.cache)
	resp, err := chat.Send(context.Background(), "hi")
	require.NoError(t, err)
	_, err = chat.Messages(context.Background())
	require.NoError(t, err)

	require.NoError(t, chat.NewConversation())
	assert.Empty(t, chat.Active())

	v, ok := e.cache.Data(MessagesKey(resp.ConversationID))
	require.True(t, ok)
	assert.Empty(t, v)

	_, err = chat.Messages(context.Background())
	assert.ErrorIs(t, err, ErrNoConversation)
}

func TestSelectionPersists(t *testing.T) {
	e := newEnv(t)
	dir := t.TempDir()

	chat := NewChat(e.api, e.cache, WithSelectionStore(state.NewSelectionStore(dir)))
	resp, err := chat.Send(context.Background(), "remember me")
	require.NoError(t, err)
	chat.Close()

	restored := NewChat(e.api, e.cache, WithSelectionStore(state.NewSelectionStore(dir)))
	defer restored.Close()
	assert.Equal(t, resp.ConversationID, restored.Active())

	msgs, err := restored.Messages(context.Background())
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestDashboardLoad(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 7; i++ {
		e.srv.AddDocument(owner, "doc", "completed", "x")
	}
	e.srv.AddDocument(owner, "new", "processing", "x")

	docs := NewDocuments(e.api, e.cache)
	chat := NewChat(e.api, e.cache)
	_, err := chat.Send(context.Background(), "hi")
	require.NoError(t, err)

	data, err := NewDashboard(e.api, docs, chat).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ada", data.User.FullName)
	assert.Equal(t, Stats{Total: 8, Completed: 7, Processing: 1}, data.Stats)
	assert.Len(t, data.Recent, RecentCount)
	assert.Equal(t, 1, data.Conversations)
}

func TestDashboardLoadFailsOnUnauthorized(t *testing.T) {
	e := newEnv(t)
	e.srv.RevokeTokens()
	docs := NewDocuments(e.api, e.cache)
	chat := NewChat(e.api, e.cache)

	_, err := NewDashboard(e.api, docs, chat).Load(context.Background())
	assert.True(t, kbapi.IsUnauthorized(err))
}
