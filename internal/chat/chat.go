// Package chat defines the remote workspace the photos are uploaded to.
package chat

import (
	"context"
	"sort"
)

// Kind distinguishes destinations when listing channels.
type Kind int

const (
	KindChannel Kind = iota
	KindGroup        // multi-person direct conversation
	KindDirect       // one-to-one conversation
)

// Channel is an upload destination.
type Channel struct {
	ID   string
	Name string
	Kind Kind
	// Topic and Purpose are set for channels when the workspace provides them.
	Topic   string
	Purpose string
}

// SortKey orders channels first, then group conversations, then direct
// conversations, each alphabetically.
func (c Channel) SortKey() string {
	return string(rune('0'+int(c.Kind))) + c.Name
}

// SortChannels orders cs in place by SortKey.
func SortChannels(cs []Channel) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].SortKey() < cs[j].SortKey() })
}

// AuthResult is the outcome of an OAuth code exchange.
type AuthResult struct {
	Token    string
	TeamName string
}

// Client uploads photos. It has no retry logic of its own: callers own the
// retry policy. Failures are reported as false/nil, never as panics.
type Client interface {
	Upload(ctx context.Context, data []byte, channelID string) bool
	// ListChannels returns destinations in SortKey order, or nil on failure.
	ListChannels(ctx context.Context) []Channel
	// ExchangeAuthCode trades an OAuth code for a token, or returns nil.
	ExchangeAuthCode(ctx context.Context, code string) *AuthResult
}
