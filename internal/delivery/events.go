// internal/delivery/events.go
package delivery

import (
	"fmt"

	"github.com/user/kbdesk/internal/types"
)

// DocumentEvents describes documents that left the processing state between
// two fetches of the document list.
func DocumentEvents(prev, next []types.Document) []string {
	was := make(map[types.ID]types.DocumentStatus, len(prev))
	for _, d := range prev {
		was[d.ID] = d.Status
	}

	var events []string
	for _, d := range next {
		before, ok := was[d.ID]
		if !ok || before != types.StatusProcessing || d.Status == types.StatusProcessing {
			continue
		}
		switch {
		case d.Status == types.StatusCompleted:
			events = append(events, fmt.Sprintf("Document %q is ready.", d.Title))
		case d.Status.IsError():
			events = append(events, fmt.Sprintf("Document %q failed to process.", d.Title))
		}
	}
	return events
}
