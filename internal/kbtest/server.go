// Package kbtest runs an in-memory imitation of the knowledge-base API for
// tests. It speaks the same wire formats as the real service (form login,
// multipart upload, FastAPI error bodies) and records every request.
package kbtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Request is a recorded inbound request.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

type user struct {
	ID       int       `json:"id"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name,omitempty"`
	IsActive bool      `json:"is_active"`
	Created  time.Time `json:"created_at"`
	password string
}

type document struct {
	ID          int       `json:"id"`
	UserID      int       `json:"user_id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Filename    string    `json:"filename"`
	FileType    string    `json:"file_type"`
	FileSize    int64     `json:"file_size"`
	Status      string    `json:"status"`
	Created     time.Time `json:"created_at"`
	content     string
	raw         []byte
}

type conversation struct {
	ID      int       `json:"id"`
	UserID  int       `json:"user_id"`
	Title   string    `json:"title"`
	Created time.Time `json:"created_at"`
}

type message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Created        time.Time `json:"created_at"`
}

type override struct {
	status int
	detail string
}

// Server is a fake knowledge-base service.
type Server struct {
	srv *httptest.Server

	mu            sync.Mutex
	nextID        int
	users         map[string]*user
	tokens        map[string]*user
	documents     map[int]*document
	conversations map[int]*conversation
	messages      map[int][]*message
	requests      []Request
	overrides     map[string]override

	// Reply generates the assistant answer for a chat message.
	Reply func(text string) string
}

// NewServer starts a fake server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		users:         make(map[string]*user),
		tokens:        make(map[string]*user),
		documents:     make(map[int]*document),
		conversations: make(map[int]*conversation),
		messages:      make(map[int][]*message),
		overrides:     make(map[string]override),
		Reply:         func(text string) string { return "echo: " + text },
	}
	s.srv = httptest.NewServer(s.router())
	return s
}

// URL returns the API base URL, including the /api/v1 prefix.
func (s *Server) URL() string {
	return s.srv.URL + "/api/v1"
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.record)
	r.Use(s.applyOverrides)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/auth/login", s.handleLogin)
		api.Post("/auth/register", s.handleRegister)

		api.Group(func(authed chi.Router) {
			authed.Use(s.requireUser)
			authed.Get("/users/me", s.handleMe)
			authed.Put("/users/me", s.handleUpdateMe)

			authed.Get("/documents/", s.handleListDocuments)
			authed.Post("/documents/upload", s.handleUpload)
			authed.Delete("/documents/{id}", s.handleDeleteDocument)
			authed.Get("/documents/{id}/content", s.handleContent)
			authed.Get("/documents/{id}/download", s.handleDownload)

			authed.Post("/chat/", s.handleChat)
			authed.Get("/chat/conversations", s.handleListConversations)
			authed.Get("/chat/conversations/{id}/messages", s.handleMessages)
			authed.Delete("/chat/conversations/{id}", s.handleDeleteConversation)
		})
	})
	return r
}

// AddUser registers an account directly.
func (s *Server) AddUser(email, password, fullName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addUserLocked(email, password, fullName)
}

func (s *Server) addUserLocked(email, password, fullName string) *user {
	s.nextID++
	u := &user{ID: s.nextID, Email: email, FullName: fullName, IsActive: true, Created: time.Now().UTC(), password: password}
	s.users[email] = u
	return u
}

// IssueToken returns a valid bearer token for an existing user.
func (s *Server) IssueToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueTokenLocked(s.users[email])
}

func (s *Server) issueTokenLocked(u *user) string {
	token := fmt.Sprintf("token-%d-%d", u.ID, len(s.tokens)+1)
	s.tokens[token] = u
	return token
}

// RevokeTokens invalidates every issued token.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]*user)
}

// AddDocument stores a document for the user and returns its id.
func (s *Server) AddDocument(email, title, status, content string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	doc := &document{
		ID:       s.nextID,
		UserID:   s.users[email].ID,
		Title:    title,
		Filename: title + ".txt",
		FileType: "txt",
		FileSize: int64(len(content)),
		Status:   status,
		Created:  time.Now().UTC(),
		content:  content,
		raw:      []byte(content),
	}
	s.documents[doc.ID] = doc
	return strconv.Itoa(doc.ID)
}

// SetDocumentStatus changes the processing status of a document.
func (s *Server) SetDocumentStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := strconv.Atoi(id)
	if doc, ok := s.documents[n]; ok {
		doc.Status = status
	}
}

// FailWith makes every request matching method and path answer with status
// and a FastAPI-style detail until cleared with status 0.
func (s *Server) FailWith(method, path string, status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	if status == 0 {
		delete(s.overrides, key)
		return
	}
	s.overrides[key] = override{status: status, detail: detail}
}

// Requests returns a copy of every recorded request.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Count returns how many requests hit method and path.
func (s *Server) Count(method, path string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// Last returns the most recent request to method and path.
func (s *Server) Last(method, path string) (Request, bool) {
	reqs := s.Requests()
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].Method == method && reqs[i].Path == path {
			return reqs[i], true
		}
	}
	return Request{}, false
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) applyOverrides(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		o, ok := s.overrides[r.Method+" "+r.URL.Path]
		s.mu.Unlock()
		if ok {
			writeDetail(w, o.status, o.detail)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ctxUserKey struct{}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		u, ok := s.tokens[token]
		s.mu.Unlock()
		if token == "" || !ok {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithUser(r, u)))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[r.PostForm.Get("username")]
	if !ok || u.password != r.PostForm.Get("password") {
		writeDetail(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": s.issueTokenLocked(u),
		"token_type":   "bearer",
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]any{{"loc": []string{"body", "email"}, "msg": "field required", "type": "value_error.missing"}},
		})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[req.Email]; exists {
		writeDetail(w, http.StatusBadRequest, "Email already registered")
		return
	}
	writeJSON(w, http.StatusOK, s.addUserLocked(req.Email, req.Password, req.FullName))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userFrom(r))
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FullName *string `json:"full_name"`
		Password *string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid body")
		return
	}
	u := userFrom(r)
	s.mu.Lock()
	if req.FullName != nil {
		u.FullName = *req.FullName
	}
	if req.Password != nil {
		u.password = *req.Password
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	s.mu.Lock()
	docs := make([]*document, 0)
	for _, d := range s.documents {
		if d.UserID == u.ID {
			docs = append(docs, d)
		}
	}
	s.mu.Unlock()
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID > docs[j].ID })
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "file required")
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	title := r.FormValue("title")
	if title == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "title required")
		return
	}
	var desc *string
	if vals, ok := r.MultipartForm.Value["description"]; ok && len(vals) > 0 {
		desc = &vals[0]
	}

	u := userFrom(r)
	s.mu.Lock()
	s.nextID++
	ext := strings.TrimPrefix(strings.ToLower(header.Filename[strings.LastIndex(header.Filename, ".")+1:]), ".")
	doc := &document{
		ID:          s.nextID,
		UserID:      u.ID,
		Title:       title,
		Description: desc,
		Filename:    header.Filename,
		FileType:    ext,
		FileSize:    int64(len(data)),
		Status:      "processing",
		Created:     time.Now().UTC(),
		content:     string(data),
		raw:         data,
	}
	s.documents[doc.ID] = doc
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) documentFor(w http.ResponseWriter, r *http.Request) (*document, bool) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	u := userFrom(r)
	s.mu.Lock()
	doc, ok := s.documents[id]
	s.mu.Unlock()
	if !ok || doc.UserID != u.ID {
		writeDetail(w, http.StatusNotFound, "Document not found")
		return nil, false
	}
	return doc, true
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.documentFor(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.documents, doc.ID)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Document deleted successfully"})
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.documentFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc, "content": doc.content})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.documentFor(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(doc.raw)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message        string          `json:"message"`
		ConversationID json.RawMessage `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid body")
		return
	}
	u := userFrom(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	var conv *conversation
	if len(req.ConversationID) > 0 && string(req.ConversationID) != "null" {
		id, err := strconv.Atoi(strings.Trim(string(req.ConversationID), `"`))
		c, ok := s.conversations[id]
		if err != nil || !ok || c.UserID != u.ID {
			writeDetail(w, http.StatusNotFound, "Conversation not found")
			return
		}
		conv = c
	} else {
		title := req.Message
		if len(title) > 50 {
			title = title[:50] + "..."
		}
		s.nextID++
		conv = &conversation{ID: s.nextID, UserID: u.ID, Title: title, Created: time.Now().UTC()}
		s.conversations[conv.ID] = conv
	}

	s.nextID++
	s.messages[conv.ID] = append(s.messages[conv.ID], &message{
		ID: s.nextID, ConversationID: conv.ID, Role: "user", Content: req.Message, Created: time.Now().UTC(),
	})
	s.nextID++
	reply := &message{
		ID: s.nextID, ConversationID: conv.ID, Role: "assistant", Content: s.Reply(req.Message), Created: time.Now().UTC(),
	}
	s.messages[conv.ID] = append(s.messages[conv.ID], reply)

	writeJSON(w, http.StatusOK, map[string]any{
		"response":        reply.Content,
		"conversation_id": conv.ID,
		"message_id":      reply.ID,
		"citations":       []any{},
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	s.mu.Lock()
	convs := make([]*conversation, 0)
	for _, c := range s.conversations {
		if c.UserID == u.ID {
			convs = append(convs, c)
		}
	}
	s.mu.Unlock()
	sort.Slice(convs, func(i, j int) bool { return convs[i].ID > convs[j].ID })
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	u := userFrom(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.UserID != u.ID {
		writeDetail(w, http.StatusNotFound, "Conversation not found")
		return
	}
	msgs := s.messages[id]
	if msgs == nil {
		msgs = []*message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	u := userFrom(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.UserID != u.ID {
		writeDetail(w, http.StatusNotFound, "Conversation not found")
		return
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Conversation deleted successfully"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
