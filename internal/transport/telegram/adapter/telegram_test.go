package adapter

import (
	"errors"
	"strings"
	"testing"

	kit "fotomator/internal/transport"
	logx "fotomator/pkg/logx"
)

func TestSplitTelegramTextShortIsSingleChunk(t *testing.T) {
	got := splitTelegramText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitTelegramText(s, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestSplitTelegramTextAvoidsCuttingHTMLTags(t *testing.T) {
	s := "abcdef<b>bold</b>"
	got := splitTelegramText(s, 8, "HTML")
	if got[0] != "abcdef" {
		t.Fatalf("tag was split: %q", got)
	}
	if strings.Join(got, "") != s {
		t.Fatalf("content lost: %q", got)
	}
}

func TestMarkupSkipsEmptyButtons(t *testing.T) {
	if markup(nil) != nil {
		t.Fatalf("expected nil markup for no buttons")
	}
	rm := markup([][]kit.Button{
		{{Text: "Don't upload", Data: "optout:1"}, {Text: "Upload now", Data: "upload:1"}},
		{{Text: ""}},
	})
	if rm == nil || len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 2 {
		t.Fatalf("unexpected keyboard %+v", rm)
	}
	if rm.InlineKeyboard[0][1].Data != "upload:1" {
		t.Fatalf("callback data not kept: %+v", rm.InlineKeyboard[0][1])
	}
}

func TestIsAPIError(t *testing.T) {
	err := errors.New("telegram: Bad Request: message is not modified: specified new message content (400)")
	if !isAPIError(err, "message is not modified") {
		t.Fatalf("expected match")
	}
	if isAPIError(nil, "x") || isAPIError(errors.New("other"), "message to delete not found") {
		t.Fatalf("unexpected match")
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
