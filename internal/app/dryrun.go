package app

import (
	"context"

	"fotomator/internal/chat"
	logx "fotomator/pkg/logx"
)

// dryRunClient reports every upload as delivered without sending it.
type dryRunClient struct {
	chat.Client
	log logx.Logger
}

func (c dryRunClient) Upload(_ context.Context, data []byte, channelID string) bool {
	c.log.Info("upload skipped", logx.String("channel", channelID), logx.Int("bytes", len(data)))
	return true
}
