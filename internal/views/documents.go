// Package views holds the per-screen synchronization rules: which queries
// each screen reads, when they poll, and which cache entries each mutation
// invalidates.
package views

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/kbdesk/internal/preview"
	"github.com/user/kbdesk/internal/query"
	"github.com/user/kbdesk/internal/types"
	"github.com/user/kbdesk/pkg/kbapi"
)

// ProcessingPollInterval is how often the document list is refetched while
// any document is still processing.
const ProcessingPollInterval = 3000 * time.Millisecond

const stillProcessingMessage = "Document is still being processed. Please wait for processing to complete."

// KeyDocuments is the shared document list entry.
var KeyDocuments = query.Key{"documents"}

// ContentKey is the preview entry of one document.
func ContentKey(id types.ID) query.Key {
	return query.Key{"documentContent", id.String()}
}

// DocumentsAPI is the part of the API surface the documents screen uses.
type DocumentsAPI interface {
	Documents(ctx context.Context) ([]types.Document, error)
	UploadDocument(ctx context.Context, up kbapi.Upload) (*types.Document, error)
	DeleteDocument(ctx context.Context, id types.ID) error
	DocumentContent(ctx context.Context, id types.ID) (*types.DocumentContent, error)
}

// DocumentsOption configures a Documents view.
type DocumentsOption func(*Documents)

// WithPollInterval overrides ProcessingPollInterval.
func WithPollInterval(d time.Duration) DocumentsOption {
	return func(v *Documents) {
		if d > 0 {
			v.pollInterval = d
		}
	}
}

// WithRenderer sets the preview renderer.
func WithRenderer(r *preview.Renderer) DocumentsOption {
	return func(v *Documents) { v.renderer = r }
}

// WithUploadParallel bounds concurrent uploads in UploadMany.
func WithUploadParallel(n int) DocumentsOption {
	return func(v *Documents) {
		if n > 0 {
			v.uploadParallel = int64(n)
		}
	}
}

// WithDocumentsLogger sets the logger.
func WithDocumentsLogger(logger *slog.Logger) DocumentsOption {
	return func(v *Documents) { v.logger = logger }
}

// Documents is the document list screen.
type Documents struct {
	api            DocumentsAPI
	cache          *query.Client
	renderer       *preview.Renderer
	pollInterval   time.Duration
	uploadParallel int64
	logger         *slog.Logger

	list *query.Query[[]types.Document]

	mu   sync.Mutex
	subs map[int]func([]types.Document, error)
	next int
}

// NewDocuments creates the view. The list starts polling on its first read
// if any document is processing.
func NewDocuments(api DocumentsAPI, cache *query.Client, opts ...DocumentsOption) *Documents {
	v := &Documents{
		api:            api,
		cache:          cache,
		pollInterval:   ProcessingPollInterval,
		uploadParallel: 3,
		logger:         slog.Default(),
		subs:           make(map[int]func([]types.Document, error)),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.list = query.New(cache, query.Options[[]types.Document]{
		Key:             KeyDocuments,
		Fetch:           api.Documents,
		RefetchInterval: v.refetchInterval,
		OnResult:        v.publish,
	})
	return v
}

// refetchInterval polls while anything is processing and stops otherwise.
// It is re-evaluated after every fetch.
func (v *Documents) refetchInterval(docs []types.Document) time.Duration {
	if CountProcessing(docs) > 0 {
		return v.pollInterval
	}
	return 0
}

// CountProcessing returns the number of documents still processing.
func CountProcessing(docs []types.Document) int {
	n := 0
	for _, d := range docs {
		if d.Status == types.StatusProcessing {
			n++
		}
	}
	return n
}

// List returns the document list, fetching it when stale.
func (v *Documents) List(ctx context.Context) ([]types.Document, error) {
	return v.list.Get(ctx)
}

// Refresh refetches the document list.
func (v *Documents) Refresh(ctx context.Context) ([]types.Document, error) {
	return v.list.Refetch(ctx)
}

// Polling reports whether a background refetch is scheduled.
func (v *Documents) Polling() bool {
	return v.list.Polling()
}

// Subscribe registers fn for every fetched list, whether read, refreshed or
// polled, and for the error of a failed background refetch.
func (v *Documents) Subscribe(fn func([]types.Document, error)) (cancel func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.next
	v.next++
	v.subs[id] = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.subs, id)
	}
}

func (v *Documents) publish(docs []types.Document, err error) {
	v.mu.Lock()
	subs := make([]func([]types.Document, error), 0, len(v.subs))
	for _, fn := range v.subs {
		subs = append(subs, fn)
	}
	v.mu.Unlock()
	for _, fn := range subs {
		fn(docs, err)
	}
}

// Upload sends one document and invalidates the list on success.
func (v *Documents) Upload(ctx context.Context, up kbapi.Upload) (*types.Document, error) {
	doc, err := v.api.UploadDocument(ctx, up)
	if err != nil {
		return nil, err
	}
	v.logger.Info("document uploaded", "id", doc.ID, "title", doc.Title)
	v.cache.Invalidate(KeyDocuments)
	return doc, nil
}

// UploadResult is the outcome of one upload in UploadMany.
type UploadResult struct {
	Upload   kbapi.Upload
	Document *types.Document
	Err      error
}

// UploadMany uploads files with bounded parallelism. Results keep the input
// order. The list is invalidated once if any upload succeeded.
func (v *Documents) UploadMany(ctx context.Context, ups []kbapi.Upload) []UploadResult {
	results := make([]UploadResult, len(ups))
	sem := semaphore.NewWeighted(v.uploadParallel)
	var wg sync.WaitGroup

	for i, up := range ups {
		results[i].Upload = up
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			continue
		}
		wg.Add(1)
		go func(i int, up kbapi.Upload) {
			defer wg.Done()
			defer sem.Release(1)
			results[i].Document, results[i].Err = v.api.UploadDocument(ctx, up)
		}(i, up)
	}
	wg.Wait()

	uploaded := 0
	for _, r := range results {
		if r.Err == nil {
			uploaded++
		}
	}
	if uploaded > 0 {
		v.cache.Invalidate(KeyDocuments)
	}
	v.logger.Info("uploads finished", "uploaded", uploaded, "failed", len(ups)-uploaded)
	return results
}

// Delete removes a document and invalidates the list on success.
func (v *Documents) Delete(ctx context.Context, id types.ID) error {
	if err := v.api.DeleteDocument(ctx, id); err != nil {
		return err
	}
	v.cache.Remove(ContentKey(id))
	v.cache.Invalidate(KeyDocuments)
	return nil
}

// Preview is a rendered document.
type Preview struct {
	Document  types.Document
	Content   string
	Text      string
	Tokens    int
	Truncated bool
}

// Preview fetches and renders a completed document. Documents that are not
// completed fail locally without any request.
func (v *Documents) Preview(ctx context.Context, doc types.Document) (*Preview, error) {
	if doc.Status != types.StatusCompleted {
		return nil, &kbapi.ValidationError{Field: "status", Message: stillProcessingMessage}
	}

	q := query.New(v.cache, query.Options[*types.DocumentContent]{
		Key: ContentKey(doc.ID),
		Fetch: func(ctx context.Context) (*types.DocumentContent, error) {
			return v.api.DocumentContent(ctx, doc.ID)
		},
	})
	defer q.Close()

	content, err := q.Get(ctx)
	if err != nil {
		return nil, err
	}
	res, err := v.renderer.Render(content.Content)
	if err != nil {
		return nil, err
	}
	return &Preview{
		Document:  doc,
		Content:   content.Content,
		Text:      res.Text,
		Tokens:    res.Tokens,
		Truncated: res.Truncated,
	}, nil
}

// WaitProcessed blocks until no document is processing, following the
// list's polling. onUpdate, if set, sees every fetched list. A failed
// refetch ends the wait with its error.
func (v *Documents) WaitProcessed(ctx context.Context, onUpdate func([]types.Document)) ([]types.Document, error) {
	updates := make(chan result, 1)
	// Keep only the latest update.
	cancel := v.Subscribe(func(docs []types.Document, err error) {
		for {
			select {
			case updates <- result{docs: docs, err: err}:
				return
			default:
				select {
				case <-updates:
				default:
				}
			}
		}
	})
	defer cancel()

	docs, err := v.Refresh(ctx)
	for {
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(docs)
		}
		if CountProcessing(docs) == 0 {
			return docs, nil
		}
		select {
		case <-ctx.Done():
			return docs, ctx.Err()
		case r := <-updates:
			docs, err = r.docs, r.err
		}
	}
}

type result struct {
	docs []types.Document
	err  error
}

// Stats summarizes the document list.
type Stats struct {
	Total      int
	Completed  int
	Processing int
	Failed     int
}

// ComputeStats counts documents per status. Both "error" and "failed"
// count as failed.
func ComputeStats(docs []types.Document) Stats {
	s := Stats{Total: len(docs)}
	for _, d := range docs {
		switch {
		case d.Status == types.StatusCompleted:
			s.Completed++
		case d.Status == types.StatusProcessing:
			s.Processing++
		case d.Status.IsError():
			s.Failed++
		}
	}
	return s
}

// Recent returns the n most recently created documents, newest first.
func Recent(docs []types.Document, n int) []types.Document {
	out := make([]types.Document, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Close stops the list's polling.
func (v *Documents) Close() {
	v.list.Close()
}
