package preview

import (
	"strings"
	"testing"
)

func TestRenderPlainTextNilRenderer(t *testing.T) {
	var r *Renderer
	res, err := r.Render("just text")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.Text != "just text" || res.Truncated {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRenderHTML(t *testing.T) {
	var r *Renderer
	res, err := r.Render("<html><body><h1>Title</h1><p>Hello <strong>world</strong></p></body></html>")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(res.Text, "# Title") {
		t.Errorf("expected markdown heading, got %q", res.Text)
	}
	if !strings.Contains(res.Text, "**world**") {
		t.Errorf("expected bold text, got %q", res.Text)
	}
}

func TestLooksLikeHTML(t *testing.T) {
	cases := map[string]bool{
		"<p>x</p>":             true,
		"  <!DOCTYPE html><p>": true,
		"a < b and c > d":      false,
		"<not closed":          false,
	}
	for in, want := range cases {
		if got := looksLikeHTML(in); got != want {
			t.Errorf("looksLikeHTML(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRenderTruncatesToBudget(t *testing.T) {
	r, err := New("gpt-4", 10)
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}

	short, err := r.Render("hello world")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if short.Truncated || short.Tokens == 0 {
		t.Errorf("short text should fit, got %+v", short)
	}

	long, err := r.Render(strings.Repeat("knowledge base document ", 50))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !long.Truncated {
		t.Fatal("expected truncation")
	}
	if long.Tokens != 10 {
		t.Errorf("Tokens = %d, want 10", long.Tokens)
	}
	if !strings.HasSuffix(long.Text, "[Content truncated]") {
		t.Errorf("missing truncation marker: %q", long.Text)
	}
}
