package views

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/user/kbdesk/internal/types"
)

// RecentCount is how many documents the dashboard lists.
const RecentCount = 5

// UserAPI fetches the current profile.
type UserAPI interface {
	CurrentUser(ctx context.Context) (*types.User, error)
}

// DashboardData is everything the dashboard shows.
type DashboardData struct {
	User          *types.User
	Stats         Stats
	Recent        []types.Document
	Conversations int
}

// Dashboard is the overview screen. It reads the same document and
// conversation entries as the other screens.
type Dashboard struct {
	users UserAPI
	docs  *Documents
	chat  *Chat
}

func NewDashboard(users UserAPI, docs *Documents, chat *Chat) *Dashboard {
	return &Dashboard{users: users, docs: docs, chat: chat}
}

// Load fetches the profile, documents and conversations concurrently.
func (d *Dashboard) Load(ctx context.Context) (*DashboardData, error) {
	var (
		user  *types.User
		docs  []types.Document
		convs []types.Conversation
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		user, err = d.users.CurrentUser(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		docs, err = d.docs.List(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		convs, err = d.chat.Conversations(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &DashboardData{
		User:          user,
		Stats:         ComputeStats(docs),
		Recent:        Recent(docs, RecentCount),
		Conversations: len(convs),
	}, nil
}
