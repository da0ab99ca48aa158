// internal/delivery/registry_test.go
package delivery

import (
	"bytes"
	"testing"

	"github.com/user/kbdesk/internal/types"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotTarget, gotMsg string
	reg.Register("test:", func(target, message string) error {
		gotTarget = target
		gotMsg = message
		return nil
	})

	err := reg.Deliver("test:123", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTarget != "test:123" {
		t.Errorf("expected target %q, got %q", "test:123", gotTarget)
	}
	if gotMsg != "hello" {
		t.Errorf("expected message %q, got %q", "hello", gotMsg)
	}
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()

	err := reg.Deliver("unknown:123", "hello")
	if err == nil {
		t.Fatal("expected error for unregistered prefix, got nil")
	}
}

func TestRegistryLongestPrefix(t *testing.T) {
	reg := NewRegistry()

	var generic, specific int
	reg.Register("telegram:", func(string, string) error { generic++; return nil })
	reg.Register("telegram:42", func(string, string) error { specific++; return nil })

	if err := reg.Deliver("telegram:42", "a"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Deliver("telegram:7", "b"); err != nil {
		t.Fatal(err)
	}
	if generic != 1 || specific != 1 {
		t.Errorf("generic=%d specific=%d, want 1 and 1", generic, specific)
	}
	if got := reg.Prefixes(); len(got) != 2 || got[0] != "telegram:" {
		t.Errorf("Prefixes() = %v", got)
	}
}

func TestDeliverAllWriter(t *testing.T) {
	var buf bytes.Buffer
	reg := NewRegistry()
	reg.Register("stdout:", WriterHandler(&buf))

	err := reg.DeliverAll([]string{"stdout:", "missing:1", "stdout:"}, "done")
	if err == nil {
		t.Error("expected error for missing target")
	}
	if buf.String() != "done\ndone\n" {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestDocumentEvents(t *testing.T) {
	prev := []types.Document{
		{ID: "1", Title: "a", Status: types.StatusProcessing},
		{ID: "2", Title: "b", Status: types.StatusProcessing},
		{ID: "3", Title: "c", Status: types.StatusProcessing},
		{ID: "4", Title: "d", Status: types.StatusCompleted},
	}
	next := []types.Document{
		{ID: "1", Title: "a", Status: types.StatusCompleted},
		{ID: "2", Title: "b", Status: types.StatusFailed},
		{ID: "3", Title: "c", Status: types.StatusProcessing},
		{ID: "4", Title: "d", Status: types.StatusCompleted},
		{ID: "5", Title: "e", Status: types.StatusCompleted},
	}

	events := DocumentEvents(prev, next)
	want := []string{`Document "a" is ready.`, `Document "b" failed to process.`}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}
