// Package telegram delivers photos to Telegram chats through the bot adapter.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"fotomator/internal/chat"
	"fotomator/internal/transport"
	logx "fotomator/pkg/logx"
)

// Caption is attached to every uploaded photo.
const Caption = "via Fotomator"

// PhotoSender is the part of the bot adapter used for uploads.
type PhotoSender interface {
	SendPhoto(ctx context.Context, to transport.ChatTarget, data []byte, caption string) (transport.MessageRef, error)
}

// Destination is a chat the bot may post to. ID is "<chat>" or
// "<chat>:<thread>".
type Destination struct {
	ID   string
	Name string
}

type Client struct {
	sender PhotoSender
	dests  []Destination
	log    logx.Logger
}

var _ chat.Client = (*Client)(nil)

func New(sender PhotoSender, dests []Destination, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{sender: sender, dests: dests, log: log.With(logx.String("comp", "telegram.upload"))}
}

// ParseTarget parses "<chat>" or "<chat>:<thread>".
func ParseTarget(id string) (transport.ChatTarget, error) {
	id = strings.TrimSpace(id)
	chatPart, threadPart, hasThread := strings.Cut(id, ":")
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return transport.ChatTarget{}, fmt.Errorf("invalid chat id %q", id)
	}
	t := transport.ChatTarget{ChatID: chatID}
	if hasThread {
		thread, err := strconv.Atoi(threadPart)
		if err != nil || thread < 0 {
			return transport.ChatTarget{}, fmt.Errorf("invalid thread id %q", id)
		}
		t.ThreadID = thread
	}
	return t, nil
}

func (c *Client) Upload(ctx context.Context, data []byte, channelID string) bool {
	to, err := ParseTarget(channelID)
	if err != nil {
		c.log.Warn("upload rejected", logx.Err(err))
		return false
	}
	if _, err := c.sender.SendPhoto(ctx, to, data, Caption); err != nil {
		c.log.Warn("upload failed", logx.String("channel", channelID), logx.Err(err))
		return false
	}
	return true
}

// ListChannels returns the configured destinations. The Bot API cannot
// enumerate chats a bot belongs to.
func (c *Client) ListChannels(_ context.Context) []chat.Channel {
	out := make([]chat.Channel, 0, len(c.dests))
	for _, d := range c.dests {
		to, err := ParseTarget(d.ID)
		if err != nil {
			c.log.Warn("skipping destination", logx.Err(err))
			continue
		}
		kind := chat.KindChannel
		if to.ChatID > 0 {
			kind = chat.KindDirect
		}
		name := d.Name
		if name == "" {
			name = d.ID
		}
		out = append(out, chat.Channel{ID: d.ID, Name: name, Kind: kind})
	}
	chat.SortChannels(out)
	return out
}

// ExchangeAuthCode is not supported: bots authenticate with a static token.
func (c *Client) ExchangeAuthCode(_ context.Context, _ string) *chat.AuthResult {
	return nil
}
