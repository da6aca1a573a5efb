package twitter

import (
	"context"
	"time"
)

// Member is one account on the remote list.
type Member struct {
	Handle      string
	DisplayName string
}

// RateInfo carries the x-rate-limit metadata attached to a response, when the
// remote API reported it.
type RateInfo struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
	Present   bool
}

// Client is the remote list capability consumed by the approval workflow and
// the sync engine. Every call returns the rate-limit metadata of the last
// underlying response so callers can feed the shared tracker.
type Client interface {
	AddMember(ctx context.Context, handle string) (RateInfo, error)
	RemoveMember(ctx context.Context, handle string) (RateInfo, error)
	ListMembers(ctx context.Context) ([]Member, RateInfo, error)
}
