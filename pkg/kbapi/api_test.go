package kbapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/kbdesk/internal/kbtest"
	"github.com/user/kbdesk/internal/state"
	"github.com/user/kbdesk/internal/types"
)

func newFakeClient(t *testing.T) (*Client, *kbtest.Server, *state.MemoryTokenStore) {
	t.Helper()
	srv := kbtest.NewServer()
	t.Cleanup(srv.Close)
	tokens := state.NewMemoryTokenStore("")
	client := New(&Config{BaseURL: srv.URL()})
	client.Use(BearerAuth(tokens), Unauthorized(tokens))
	return client, srv, tokens
}

func loggedIn(t *testing.T) (*Client, *kbtest.Server) {
	t.Helper()
	client, srv, tokens := newFakeClient(t)
	srv.AddUser("ada@example.com", "pw", "Ada")
	require.NoError(t, tokens.SetToken(srv.IssueToken("ada@example.com")))
	return client, srv
}

func TestLoginSendsOrderedForm(t *testing.T) {
	client, srv, _ := newFakeClient(t)
	srv.AddUser("a@b.co", "p&ss w", "")

	token, err := client.Login(context.Background(), "a@b.co", "p&ss w")
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	assert.Equal(t, "bearer", token.TokenType)

	req, ok := srv.Last(http.MethodPost, "/api/v1/auth/login")
	require.True(t, ok)
	assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
	assert.Equal(t, "username=a%40b.co&password=p%26ss+w", string(req.Body))
}

func TestLoginBadCredentials(t *testing.T) {
	client, srv, _ := newFakeClient(t)
	srv.AddUser("a@b.co", "right", "")

	_, err := client.Login(context.Background(), "a@b.co", "wrong")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, "Incorrect email or password", Detail(err, "Login failed"))
}

func TestRegister(t *testing.T) {
	client, srv, _ := newFakeClient(t)

	user, err := client.Register(context.Background(), types.RegisterRequest{Email: "n@x.io", Password: "pw", FullName: "New"})
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "n@x.io", user.Email)
	assert.NotEmpty(t, user.ID)

	_, err = client.Register(context.Background(), types.RegisterRequest{Email: "n@x.io", Password: "pw"})
	assert.Equal(t, "Email already registered", Detail(err, "Registration failed"))

	_, err = client.Register(context.Background(), types.RegisterRequest{})
	assert.Equal(t, "field required", Detail(err, "Registration failed"))

	assert.Equal(t, 3, srv.Count(http.MethodPost, "/api/v1/auth/register"))
}

func TestCurrentUserAndUpdate(t *testing.T) {
	client, _ := loggedIn(t)

	user, err := client.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.FullName)

	name := "Ada L."
	user, err = client.UpdateCurrentUser(context.Background(), types.UserUpdate{FullName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", user.FullName)
}

func TestUploadMultipart(t *testing.T) {
	client, srv := loggedIn(t)

	doc, err := client.UploadDocument(context.Background(), Upload{
		FileName: "notes.md",
		File:     strings.NewReader("# hello"),
		Size:     7,
		Title:    "Notes",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, doc.Status)
	assert.Equal(t, "Notes", doc.Title)

	req, ok := srv.Last(http.MethodPost, "/api/v1/documents/upload")
	require.True(t, ok)
	mediaType, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mediaType)

	reader := multipart.NewReader(bytes.NewReader(req.Body), params["boundary"])
	var names []string
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, part.FormName())
		if part.FormName() == "file" {
			assert.Equal(t, "notes.md", part.FileName())
			assert.Equal(t, "text/plain", part.Header.Get("Content-Type"))
		}
	}
	assert.Equal(t, []string{"file", "title"}, names)
}

func TestUploadWithDescription(t *testing.T) {
	client, srv := loggedIn(t)

	doc, err := client.UploadDocument(context.Background(), Upload{
		FileName:    "paper.pdf",
		File:        strings.NewReader("%PDF"),
		Size:        4,
		Title:       "Paper",
		Description: "draft",
	})
	require.NoError(t, err)
	assert.Equal(t, "draft", doc.Description)

	req, _ := srv.Last(http.MethodPost, "/api/v1/documents/upload")
	assert.Contains(t, string(req.Body), `name="description"`)
	assert.Contains(t, string(req.Body), "application/pdf")
}

func TestUploadValidationSkipsNetwork(t *testing.T) {
	client, srv := loggedIn(t)

	tests := []struct {
		name  string
		up    Upload
		field string
	}{
		{"no file", Upload{FileName: "a.txt", Title: "A"}, "file"},
		{"bad type", Upload{FileName: "a.exe", File: strings.NewReader("x"), Title: "A"}, "file"},
		{"too large", Upload{FileName: "a.pdf", File: strings.NewReader("x"), Size: MaxUploadSize + 1, Title: "A"}, "file"},
		{"blank title", Upload{FileName: "a.pdf", File: strings.NewReader("x"), Size: 1, Title: "  "}, "title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.UploadDocument(context.Background(), tt.up)
			var valErr *ValidationError
			require.True(t, errors.As(err, &valErr))
			assert.Equal(t, tt.field, valErr.Field)
		})
	}
	assert.Equal(t, 0, srv.Count(http.MethodPost, "/api/v1/documents/upload"))
}

func TestDefaultTitle(t *testing.T) {
	assert.Equal(t, "report", DefaultTitle("/tmp/report.pdf"))
	assert.Equal(t, "archive.v2", DefaultTitle("archive.v2.docx"))
	assert.Equal(t, "README", DefaultTitle("README"))
}

func TestDocumentsContentDownloadDelete(t *testing.T) {
	client, srv := loggedIn(t)
	id := srv.AddDocument("ada@example.com", "Guide", "completed", "body text")

	docs, err := client.Documents(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, types.ID(id), docs[0].ID)
	assert.Equal(t, types.StatusCompleted, docs[0].Status)

	content, err := client.DocumentContent(context.Background(), types.ID(id))
	require.NoError(t, err)
	assert.Equal(t, "body text", content.Content)
	require.NotNil(t, content.Document)
	assert.Equal(t, "Guide", content.Document.Title)

	var buf bytes.Buffer
	n, err := client.DownloadDocument(context.Background(), types.ID(id), &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	assert.Equal(t, "body text", buf.String())

	require.NoError(t, client.DeleteDocument(context.Background(), types.ID(id)))
	err = client.DeleteDocument(context.Background(), types.ID(id))
	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, http.StatusNotFound, remoteErr.Status)
}

func TestSendMessageNewAndExisting(t *testing.T) {
	client, srv := loggedIn(t)

	resp, err := client.SendMessage(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", resp.Response)
	require.NotEmpty(t, resp.ConversationID)

	first, _ := srv.Last(http.MethodPost, "/api/v1/chat/")
	var body map[string]any
	require.NoError(t, json.Unmarshal(first.Body, &body))
	assert.NotContains(t, body, "conversation_id")
	assert.Equal(t, "hi", body["message"])

	_, err = client.SendMessage(context.Background(), "again", resp.ConversationID)
	require.NoError(t, err)
	second, _ := srv.Last(http.MethodPost, "/api/v1/chat/")
	require.NoError(t, json.Unmarshal(second.Body, &body))
	assert.Contains(t, body, "conversation_id")

	msgs, err := client.ConversationMessages(context.Background(), resp.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, types.RoleAssistant, msgs[3].Role)

	convs, err := client.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "hi", convs[0].Title)

	require.NoError(t, client.DeleteConversation(context.Background(), resp.ConversationID))
	convs, err = client.Conversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestExpiredTokenIsCleared(t *testing.T) {
	client, srv, tokens := newFakeClient(t)
	srv.AddUser("ada@example.com", "pw", "")
	require.NoError(t, tokens.SetToken(srv.IssueToken("ada@example.com")))
	srv.RevokeTokens()

	_, err := client.Documents(context.Background())
	assert.True(t, IsUnauthorized(err))
	token, _ := tokens.Token()
	assert.Empty(t, token)

	_, err = client.Documents(context.Background())
	assert.True(t, IsUnauthorized(err))
	req, _ := srv.Last(http.MethodGet, "/api/v1/documents/")
	assert.Empty(t, req.Header.Get("Authorization"))
}
