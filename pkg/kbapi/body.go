package kbapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"
)

// Body encodes a request payload and reports its content type.
type Body interface {
	Encode() (io.Reader, string, error)
}

// FormField is a single named value. Slices of fields keep their order on
// the wire.
type FormField struct {
	Name  string
	Value string
}

type jsonBody struct{ v any }

// JSONBody marshals v as an application/json payload.
func JSONBody(v any) Body { return jsonBody{v: v} }

func (b jsonBody) Encode() (io.Reader, string, error) {
	data, err := json.Marshal(b.v)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling request: %w", err)
	}
	return bytes.NewReader(data), "application/json", nil
}

type formBody struct{ fields []FormField }

// FormBody encodes fields as application/x-www-form-urlencoded, in order.
func FormBody(fields ...FormField) Body { return formBody{fields: fields} }

func (b formBody) Encode() (io.Reader, string, error) {
	var sb strings.Builder
	for i, f := range b.fields {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(f.Name))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(f.Value))
	}
	return strings.NewReader(sb.String()), "application/x-www-form-urlencoded", nil
}

// MultipartBody is a multipart/form-data payload with one file part
// followed by plain fields.
type MultipartBody struct {
	FileField   string
	FileName    string
	ContentType string
	File        io.Reader
	Fields      []FormField
}

func (b *MultipartBody) Encode() (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if b.File != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(b.FileField), escapeQuotes(b.FileName)))
		contentType := b.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("creating file part: %w", err)
		}
		if _, err := io.Copy(part, b.File); err != nil {
			return nil, "", fmt.Errorf("copying file part: %w", err)
		}
	}

	for _, f := range b.Fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, "", fmt.Errorf("writing field %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
