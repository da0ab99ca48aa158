package kbapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/user/kbdesk/internal/state"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(&Config{BaseURL: server.URL}), server
}

func TestNewDefaults(t *testing.T) {
	c := New(nil)
	assert.Equal(t, DefaultBaseURL, c.BaseURL())

	c = New(&Config{BaseURL: "http://kb.example/api/v1/"})
	assert.Equal(t, "http://kb.example/api/v1", c.BaseURL())
}

func TestBearerHeader(t *testing.T) {
	var got []string
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		w.Write([]byte(`[]`))
	})
	tokens := state.NewMemoryTokenStore("")
	client.Use(BearerAuth(tokens))

	_, err := client.Documents(context.Background())
	require.NoError(t, err)

	require.NoError(t, tokens.SetToken("abc"))
	_, err = client.Documents(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"", "Bearer abc"}, got)
}

func TestUnauthorizedClearsTokenAndRunsHooks(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"Could not validate credentials"}`))
	})
	tokens := state.NewMemoryTokenStore("expired")
	var order []string
	client.Use(
		BearerAuth(tokens),
		Unauthorized(tokens,
			func() { order = append(order, "session") },
			func() { order = append(order, "redirect") },
		),
	)

	_, err := client.CurrentUser(context.Background())
	require.Error(t, err)

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "Could not validate credentials", authErr.Detail)
	assert.True(t, IsUnauthorized(err))

	token, err := tokens.Token()
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Equal(t, []string{"session", "redirect"}, order)
}

type fakeNavigator struct{ reasons []string }

func (n *fakeNavigator) RedirectToLogin(reason string) { n.reasons = append(n.reasons, reason) }

func TestRedirectHook(t *testing.T) {
	nav := &fakeNavigator{}
	RedirectHook(nav)()
	assert.Equal(t, []string{"session expired"}, nav.reasons)
}

func TestUnauthorizedIgnoresOtherStatuses(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"detail":"Not enough permissions"}`))
	})
	tokens := state.NewMemoryTokenStore("keep")
	called := false
	client.Use(Unauthorized(tokens, func() { called = true }))

	_, err := client.Documents(context.Background())
	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, http.StatusForbidden, remoteErr.Status)
	assert.Equal(t, "API error (status 403): Not enough permissions", remoteErr.Error())
	assert.False(t, called)

	token, _ := tokens.Token()
	assert.Equal(t, "keep", token)
}

func TestRemoteErrorDetail(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"string detail", `{"detail":"Email already registered"}`, "Email already registered"},
		{"validation list", `{"detail":[{"loc":["body","email"],"msg":"field required"},{"msg":"value is not a valid email"}]}`, "field required; value is not a valid email"},
		{"no detail", `{"error":"boom"}`, ""},
		{"not json", `internal error`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(tt.body))
			})
			_, err := client.Documents(context.Background())
			var remoteErr *RemoteError
			require.True(t, errors.As(err, &remoteErr))
			assert.Equal(t, tt.want, remoteErr.Detail)
			assert.Equal(t, http.StatusBadRequest, remoteErr.Status)
		})
	}
}

func TestDetailFallback(t *testing.T) {
	assert.Equal(t, "Email already registered", Detail(&RemoteError{Status: 400, Detail: "Email already registered"}, "Registration failed"))
	assert.Equal(t, "Registration failed", Detail(&RemoteError{Status: 500}, "Registration failed"))
	assert.Equal(t, "Login failed", Detail(&NetworkError{Err: io.EOF}, "Login failed"))
	assert.Equal(t, "a title is required", Detail(&ValidationError{Field: "title", Message: "a title is required"}, "x"))
}

func TestNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := New(&Config{BaseURL: url})
	_, err := client.Documents(context.Background())
	require.Error(t, err)

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, http.MethodGet, netErr.Method)
	assert.Equal(t, "/documents/", netErr.Path)
	assert.NotNil(t, errors.Unwrap(err))
}

func TestMiddlewareOrder(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	var order []string
	mark := func(name string) Middleware {
		return func(next Doer) Doer {
			return DoerFunc(func(req *http.Request) (*http.Response, error) {
				order = append(order, name+">")
				resp, err := next.Do(req)
				order = append(order, "<"+name)
				return resp, err
			})
		}
	}
	client.Use(mark("a"))
	client.Use(nil, mark("b"))

	_, err := client.Documents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "<b", "<a"}, order)
}

func TestRequestID(t *testing.T) {
	var ids []string
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, r.Header.Get("X-Request-ID"))
		w.Write([]byte(`[]`))
	})
	client.Use(RequestID())

	_, err := client.Documents(context.Background())
	require.NoError(t, err)
	_, err = client.Do(context.Background(), http.MethodGet, "/documents/", nil, http.Header{"X-Request-Id": {"fixed"}})
	require.NoError(t, err)

	require.Len(t, ids, 2)
	assert.Len(t, ids[0], 36)
	assert.Equal(t, "fixed", ids[1])
}

func TestTracingRecordsSpan(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`[]`))
	})
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })
	client.Use(Tracing(provider.Tracer("test")))

	_, err := client.Documents(context.Background())
	require.NoError(t, err)
	_, err = client.Do(context.Background(), http.MethodGet, "/missing", nil, nil)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "HTTP GET /documents/", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestDecodeEmptyBody(t *testing.T) {
	r := &Response{StatusCode: 200}
	var v map[string]any
	require.NoError(t, r.Decode(&v))
	assert.Nil(t, v)

	r.Body = []byte("{")
	assert.Error(t, r.Decode(&v))
}
