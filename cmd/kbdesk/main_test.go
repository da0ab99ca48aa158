package main

import (
	"bufio"
	"errors"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/user/kbdesk/internal/types"
	"github.com/user/kbdesk/internal/views"
)

func TestHumanSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{50 << 20, "50.0 MB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.n); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestStatusTextPlain(t *testing.T) {
	color.NoColor = true
	for _, s := range []types.DocumentStatus{types.StatusCompleted, types.StatusProcessing, types.StatusFailed, "queued"} {
		if got := statusText(s); got != string(s) {
			t.Errorf("statusText(%q) = %q", s, got)
		}
	}
}

func TestDisplayName(t *testing.T) {
	if got := displayName(nil); got != "unknown user" {
		t.Errorf("unexpected %q", got)
	}
	if got := displayName(&types.User{Email: "a@b.co"}); got != "a@b.co" {
		t.Errorf("unexpected %q", got)
	}
	if got := displayName(&types.User{Email: "a@b.co", FullName: "Ada"}); got != "Ada <a@b.co>" {
		t.Errorf("unexpected %q", got)
	}
}

func TestStatusSummary(t *testing.T) {
	got := statusSummary(views.Stats{Total: 4, Completed: 2, Processing: 1, Failed: 1})
	want := "4 documents: 2 ready, 1 processing, 1 failed."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCapitalize(t *testing.T) {
	if got := capitalize("session expired"); got != "Session expired" {
		t.Errorf("unexpected %q", got)
	}
	if capitalize("") != "" {
		t.Error("expected empty string")
	}
}

func TestPromptPasswordReadsWithoutEchoOnTerminal(t *testing.T) {
	origTerm, origRead := isTerminal, readPassword
	defer func() { isTerminal, readPassword = origTerm, origRead }()

	isTerminal = func(int) bool { return true }
	readPassword = func(int) ([]byte, error) { return []byte("s3cret \n"), nil }

	scanner := bufio.NewScanner(strings.NewReader("echoed\n"))
	got, err := promptPassword(scanner, "Password", "")
	if err != nil {
		t.Fatalf("promptPassword failed: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("expected s3cret, got %q", got)
	}
	// The scanner must not have been consumed.
	if !scanner.Scan() || scanner.Text() != "echoed" {
		t.Error("expected the terminal path to bypass the line scanner")
	}

	readPassword = func(int) ([]byte, error) { return nil, errors.New("not a tty") }
	if _, err := promptPassword(scanner, "Password", ""); err == nil {
		t.Error("expected read error to be returned")
	}
}

func TestPromptPasswordFallsBackToLineRead(t *testing.T) {
	origTerm, origRead := isTerminal, readPassword
	defer func() { isTerminal, readPassword = origTerm, origRead }()

	isTerminal = func(int) bool { return false }
	readPassword = func(int) ([]byte, error) {
		t.Fatal("readPassword called without a terminal")
		return nil, nil
	}

	scanner := bufio.NewScanner(strings.NewReader("piped\n\n"))
	got, err := promptPassword(scanner, "Password", "")
	if err != nil || got != "piped" {
		t.Errorf("expected piped, got %q (%v)", got, err)
	}

	got, err = promptPassword(scanner, "Telegram bot token", "123:abc")
	if err != nil || got != "123:abc" {
		t.Errorf("expected empty input to keep the current value, got %q (%v)", got, err)
	}
}
