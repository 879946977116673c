package notify

import (
	"context"
	"time"

	logx "fotomator/pkg/logx"
)

// LogPresenter only logs. Used when no chat is configured for notifications.
type LogPresenter struct {
	log logx.Logger
}

func NewLogPresenter(log logx.Logger) *LogPresenter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogPresenter{log: log}
}

func (p *LogPresenter) ShowScheduled(_ context.Context, uri string, delay time.Duration) error {
	p.log.Info("photo will upload", logx.URI(uri), logx.Int("id", ID(uri)), logx.Duration("in", delay))
	return nil
}

func (p *LogPresenter) ShowUploading(_ context.Context, uri string) error {
	p.log.Info("photo uploading", logx.URI(uri), logx.Int("id", ID(uri)))
	return nil
}

func (p *LogPresenter) Withdraw(_ context.Context, uri string) error {
	p.log.Debug("notification withdrawn", logx.URI(uri), logx.Int("id", ID(uri)))
	return nil
}

func (p *LogPresenter) ShowOngoing(_ context.Context, subtitle string) error {
	p.log.Info("monitoring", logx.String("status", subtitle))
	return nil
}

func (p *LogPresenter) WithdrawOngoing(_ context.Context) error {
	p.log.Info("monitoring stopped")
	return nil
}
