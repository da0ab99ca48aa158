package kbapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/user/kbdesk/internal/types"
)

// MaxUploadSize is the largest file the service accepts.
const MaxUploadSize = 50 << 20

// uploadTypes maps accepted extensions to the MIME type sent with the file
// part. The service only accepts text/plain for markdown files.
var uploadTypes = map[string]string{
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".md":   "text/plain",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Upload describes a document to upload.
type Upload struct {
	FileName    string
	File        io.Reader
	Size        int64
	Title       string
	Description string
}

// Validate checks the upload locally before anything is sent.
func (u *Upload) Validate() error {
	if u.File == nil {
		return &ValidationError{Field: "file", Message: "a file is required"}
	}
	ext := strings.ToLower(filepath.Ext(u.FileName))
	if _, ok := uploadTypes[ext]; !ok {
		return &ValidationError{Field: "file", Message: fmt.Sprintf("unsupported file type %q (supported: .pdf, .txt, .docx, .md)", ext)}
	}
	if u.Size > MaxUploadSize {
		return &ValidationError{Field: "file", Message: "file too large (max 50 MB)"}
	}
	if strings.TrimSpace(u.Title) == "" {
		return &ValidationError{Field: "title", Message: "a title is required"}
	}
	return nil
}

// DefaultTitle derives a document title from a file name by dropping the
// directory and the extension.
func DefaultTitle(fileName string) string {
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Documents lists the caller's documents.
func (c *Client) Documents(ctx context.Context) ([]types.Document, error) {
	var docs []types.Document
	if err := c.getJSON(ctx, "/documents/", &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// UploadDocument sends a multipart upload. The description field is left out
// of the payload entirely when empty.
func (c *Client) UploadDocument(ctx context.Context, up Upload) (*types.Document, error) {
	if err := up.Validate(); err != nil {
		return nil, err
	}

	fields := []FormField{{Name: "title", Value: up.Title}}
	if up.Description != "" {
		fields = append(fields, FormField{Name: "description", Value: up.Description})
	}
	body := &MultipartBody{
		FileField:   "file",
		FileName:    filepath.Base(up.FileName),
		ContentType: uploadTypes[strings.ToLower(filepath.Ext(up.FileName))],
		File:        up.File,
		Fields:      fields,
	}

	resp, err := c.Do(ctx, http.MethodPost, "/documents/upload", body, nil)
	if err != nil {
		return nil, err
	}
	var doc types.Document
	if err := resp.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument removes a document.
func (c *Client) DeleteDocument(ctx context.Context, id types.ID) error {
	_, err := c.Do(ctx, http.MethodDelete, "/documents/"+url.PathEscape(id.String()), nil, nil)
	return err
}

// DocumentContent fetches the extracted text of a processed document.
func (c *Client) DocumentContent(ctx context.Context, id types.ID) (*types.DocumentContent, error) {
	var content types.DocumentContent
	if err := c.getJSON(ctx, "/documents/"+url.PathEscape(id.String())+"/content", &content); err != nil {
		return nil, err
	}
	return &content, nil
}

// DownloadDocument writes the original file to w and returns the byte count.
func (c *Client) DownloadDocument(ctx context.Context, id types.ID, w io.Writer) (int64, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/documents/"+url.PathEscape(id.String())+"/download", nil, nil)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(resp.Body)
	if err != nil {
		return int64(n), fmt.Errorf("writing download: %w", err)
	}
	return int64(n), nil
}
