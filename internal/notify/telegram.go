package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"fotomator/internal/transport"
	logx "fotomator/pkg/logx"
)

// Callback data carried by the inline buttons.
const (
	dataOptOut = "optout:"
	dataUpload = "upload:"
	dataStop   = "stop"
)

// Messenger is the part of a chat adapter the presenter needs.
type Messenger interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
	Delete(ctx context.Context, ref transport.MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type posted struct {
	uri string
	ref transport.MessageRef
}

// ChatPresenter shows notifications as chat messages with inline buttons and
// turns button presses back into Signals.
type ChatPresenter struct {
	m   Messenger
	to  transport.ChatTarget
	log logx.Logger

	mu      sync.Mutex
	msgs    map[int]posted
	ongoing *transport.MessageRef
}

var _ Presenter = (*ChatPresenter)(nil)

func NewChatPresenter(m Messenger, to transport.ChatTarget, log logx.Logger) *ChatPresenter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ChatPresenter{m: m, to: to, log: log, msgs: map[int]posted{}}
}

func displayName(uri string) string {
	if i := strings.LastIndexByte(uri, '/'); i >= 0 && i < len(uri)-1 {
		return uri[i+1:]
	}
	return uri
}

func scheduledButtons(id int) [][]transport.Button {
	sid := strconv.Itoa(id)
	return [][]transport.Button{{
		{Text: "Don't upload", Data: dataOptOut + sid},
		{Text: "Upload now", Data: dataUpload + sid},
	}}
}

func (p *ChatPresenter) ShowScheduled(ctx context.Context, uri string, delay time.Duration) error {
	id := ID(uri)
	text := fmt.Sprintf("New photo will be uploaded in %s\n%s", delay.Round(time.Second), displayName(uri))
	opt := &transport.SendOptions{DisablePreview: true, Buttons: scheduledButtons(id)}
	return p.upsert(ctx, id, uri, text, opt)
}

func (p *ChatPresenter) ShowUploading(ctx context.Context, uri string) error {
	id := ID(uri)
	text := "Uploading...\n" + displayName(uri)
	return p.upsert(ctx, id, uri, text, &transport.SendOptions{DisablePreview: true, Silent: true})
}

func (p *ChatPresenter) upsert(ctx context.Context, id int, uri, text string, opt *transport.SendOptions) error {
	p.mu.Lock()
	cur, ok := p.msgs[id]
	p.mu.Unlock()

	if ok {
		err := p.m.EditText(ctx, cur.ref, text, opt)
		if err == nil {
			return nil
		}
		p.log.Debug("notification edit failed; reposting", logx.Int("id", id), logx.Err(err))
	}
	ref, err := p.m.SendText(ctx, p.to, text, opt)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.msgs[id] = posted{uri: uri, ref: ref}
	p.mu.Unlock()
	return nil
}

func (p *ChatPresenter) Withdraw(ctx context.Context, uri string) error {
	id := ID(uri)
	p.mu.Lock()
	cur, ok := p.msgs[id]
	delete(p.msgs, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.m.Delete(ctx, cur.ref)
}

func (p *ChatPresenter) ShowOngoing(ctx context.Context, subtitle string) error {
	text := "Fotomator\n" + subtitle
	opt := &transport.SendOptions{
		DisablePreview: true,
		Silent:         true,
		Buttons:        [][]transport.Button{{{Text: "Stop", Data: dataStop}}},
	}
	p.mu.Lock()
	ref := p.ongoing
	p.mu.Unlock()
	if ref != nil {
		if err := p.m.EditText(ctx, *ref, text, opt); err == nil {
			return nil
		}
	}
	nref, err := p.m.SendText(ctx, p.to, text, opt)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.ongoing = &nref
	p.mu.Unlock()
	return nil
}

func (p *ChatPresenter) WithdrawOngoing(ctx context.Context) error {
	p.mu.Lock()
	ref := p.ongoing
	p.ongoing = nil
	p.mu.Unlock()
	if ref == nil {
		return nil
	}
	return p.m.Delete(ctx, *ref)
}

// HandleUpdate decodes a button press or a /stop command from the configured
// chat. Unknown or stale presses are answered and ignored.
func (p *ChatPresenter) HandleUpdate(ctx context.Context, up transport.Update) (Signal, bool) {
	switch up.Kind {
	case transport.UpdateMessage:
		m := up.Message
		if m == nil || m.ChatID != p.to.ChatID {
			return Signal{}, false
		}
		cmd := strings.TrimSpace(m.Text)
		if i := strings.IndexByte(cmd, '@'); i > 0 {
			cmd = cmd[:i]
		}
		if cmd == "/stop" {
			return Signal{Kind: SignalStopService}, true
		}
		return Signal{}, false

	case transport.UpdateCallback:
		cb := up.Callback
		if cb == nil {
			return Signal{}, false
		}
		if cb.ChatID != p.to.ChatID {
			p.answer(ctx, cb.ID, "")
			return Signal{}, false
		}
		sig, ok := p.decode(cb.Data)
		switch {
		case !ok:
			p.answer(ctx, cb.ID, "Already handled")
		case sig.Kind == SignalOptOut:
			p.answer(ctx, cb.ID, "Won't upload")
		case sig.Kind == SignalUploadImmediately:
			p.answer(ctx, cb.ID, "Uploading now")
		default:
			p.answer(ctx, cb.ID, "Stopping")
		}
		return sig, ok
	}
	return Signal{}, false
}

func (p *ChatPresenter) decode(data string) (Signal, bool) {
	if data == dataStop {
		return Signal{Kind: SignalStopService}, true
	}
	var (
		kind SignalKind
		raw  string
	)
	switch {
	case strings.HasPrefix(data, dataOptOut):
		kind, raw = SignalOptOut, strings.TrimPrefix(data, dataOptOut)
	case strings.HasPrefix(data, dataUpload):
		kind, raw = SignalUploadImmediately, strings.TrimPrefix(data, dataUpload)
	default:
		return Signal{}, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return Signal{}, false
	}
	p.mu.Lock()
	cur, ok := p.msgs[id]
	p.mu.Unlock()
	if !ok {
		return Signal{}, false
	}
	return Signal{Kind: kind, URI: cur.uri}, true
}

func (p *ChatPresenter) answer(ctx context.Context, id, text string) {
	if id == "" {
		return
	}
	if err := p.m.AnswerCallback(ctx, id, text); err != nil {
		p.log.Debug("answer callback failed", logx.Err(err))
	}
}
