// Package preview renders extracted document text for display.
package preview

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/pkoukk/tiktoken-go"
)

const truncatedMarker = "\n\n[Content truncated]"

// Result is rendered preview text.
type Result struct {
	Text      string
	Tokens    int
	Truncated bool
}

// Renderer converts HTML content to markdown and cuts the text to a token
// budget. A nil Renderer passes text through unchanged.
type Renderer struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
}

// New creates a renderer. model selects the tokenizer (e.g. "gpt-4");
// maxTokens <= 0 disables truncation.
func New(model string, maxTokens int) (*Renderer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Renderer{tokenizer: enc, maxTokens: maxTokens}, nil
}

// Render prepares content for display.
func (r *Renderer) Render(content string) (Result, error) {
	text := content
	if looksLikeHTML(content) {
		md, err := htmltomarkdown.ConvertString(content)
		if err != nil {
			return Result{}, fmt.Errorf("convert to markdown: %w", err)
		}
		text = md
	}

	if r == nil || r.tokenizer == nil {
		return Result{Text: text}, nil
	}

	tokens := r.tokenizer.Encode(text, nil, nil)
	res := Result{Text: text, Tokens: len(tokens)}
	if r.maxTokens > 0 && len(tokens) > r.maxTokens {
		res.Text = r.tokenizer.Decode(tokens[:r.maxTokens]) + truncatedMarker
		res.Tokens = r.maxTokens
		res.Truncated = true
	}
	return res, nil
}

func looksLikeHTML(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<") {
		return false
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "</") || strings.HasPrefix(lower, "<!doctype html")
}
