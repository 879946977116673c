package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Telegram rejects messages over 4096 characters.
const (
	chatLineMax  = 3500
	chatValueMax = 600
	chatStackMax = 900
)

// chatSink is a zerolog LevelWriter that queues warn+ lines for a chat.
// Writes never block logging: rate-limited or overflowing lines are dropped.
type chatSink struct {
	queue chan string

	mu       sync.Mutex
	sender   ChatSender
	limiter  *rate.Limiter
	minLevel zerolog.Level
	cancel   context.CancelFunc
	done     chan struct{}
}

func newChatSink(sender ChatSender) *chatSink {
	return &chatSink{
		queue:    make(chan string, chatQueueLength),
		sender:   sender,
		minLevel: zerolog.WarnLevel,
	}
}

func (c *chatSink) setSender(sender ChatSender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

// configure applies cfg and starts the delivery goroutine on first enable.
func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if !cfg.Enabled || c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.deliver(ctx, c.done)
}

func (c *chatSink) close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) deliver(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-c.queue:
			c.mu.Lock()
			sender := c.sender
			c.mu.Unlock()
			if sender != nil {
				_ = sender.SendLog(ctx, line)
			}
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	ok := c.sender != nil && c.limiter != nil && level >= c.minLevel
	lim := c.limiter
	c.mu.Unlock()
	if !ok || !lim.Allow() {
		return len(p), nil
	}
	if line := formatChatLine(p); line != "" {
		select {
		case c.queue <- line:
		default:
		}
	}
	return len(p), nil
}

// chatLeadKeys are printed first, in this order; the rest follow sorted.
var chatLeadKeys = []string{keyURI, keySession, keyComp}

// chatSkipKeys carry no value in a chat message.
var chatSkipKeys = map[string]bool{"time": true, "level": true, "message": true, zerolog.CallerFieldName: true}

// formatChatLine renders a zerolog JSON line as
//
//	[WARN] message
//	- uri=...
//	- key=value
//
// Input that is not JSON is passed through trimmed.
func formatChatLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), chatLineMax)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		if !chatSkipKeys[k] && k != keyStack && !slices.Contains(chatLeadKeys, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	order := append(append([]string(nil), chatLeadKeys...), keys...)
	for _, k := range order {
		if v, ok := m[k]; ok {
			fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(v), chatValueMax))
		}
	}
	if st, ok := m[keyStack]; ok {
		b.WriteString("\n- stack=\n" + truncate(fmt.Sprint(st), chatStackMax))
	}
	return truncate(b.String(), chatLineMax)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
