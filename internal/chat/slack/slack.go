// Package slack uploads photos to a Slack workspace through the Web API.
//
// Calls made:
//   - oauth.v2.access   exchange an authorization code for a user token
//   - files.upload      multipart photo upload to one channel
//   - conversations.list  cursor-paginated destinations
//   - users.info        names for direct conversations
//
// The client never retries; the upload scheduler owns retries.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"fotomator/internal/chat"
	logx "fotomator/pkg/logx"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://slack.com/api/"
	authorizeURL   = "https://slack.com/oauth/v2/authorize"

	// FileName is shown as the upload title in the channel.
	FileName = "via Fotomator"

	conversationTypes = "public_channel,private_channel,mpim,im"
)

// Scopes are the user scopes requested during authorization.
var Scopes = []string{
	"channels:read",
	"files:write",
	"groups:read",
	"im:read",
	"mpim:read",
	"users:read",
}

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// RatePerSec caps outbound API calls. Default 1.
	RatePerSec int
	// Timeout bounds each HTTP request. Default 30s.
	Timeout time.Duration
	// UserLookups bounds concurrent users.info calls. Default 4.
	UserLookups int
}

// TokenFunc returns the current user token.
type TokenFunc func(ctx context.Context) (string, error)

type Client struct {
	cfg   Config
	token TokenFunc
	http  *http.Client
	log   logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
}

var _ chat.Client = (*Client)(nil)

func New(cfg Config, token TokenFunc, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserLookups <= 0 {
		cfg.UserLookups = 4
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		token:   token,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log.With(logx.String("comp", "slack")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// SetRate replaces the outbound rate limit.
func (c *Client) SetRate(rps int) {
	if rps <= 0 {
		rps = 1
	}
	c.mu.Lock()
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
}

func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	l := c.limiter
	c.mu.Unlock()
	return l.Wait(ctx)
}

// AuthorizeURL is the page the user visits to grant access.
func (c *Client) AuthorizeURL() string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("scope", "")
	q.Set("user_scope", strings.Join(Scopes, ","))
	if c.cfg.RedirectURI != "" {
		q.Set("redirect_uri", c.cfg.RedirectURI)
	}
	return authorizeURL + "?" + q.Encode()
}

type apiError struct {
	Method string
	Code   string
}

func (e *apiError) Error() string { return "slack: " + e.Method + ": " + e.Code }

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method string, req *http.Request, auth bool, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if auth {
		tok, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("slack: token: %w", err)
		}
		if tok == "" {
			return errors.New("slack: not authorized")
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("slack: %s read: %w", method, err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("slack: %s: http %d", method, resp.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("slack: decoding %s response: %w", method, err)
	}
	if !env.OK {
		return &apiError{Method: method, Code: env.Error}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("slack: decoding %s response: %w", method, err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, method string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+method+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(ctx, method, req, true, out)
}

// Upload posts data to channelID. It reports success only when Slack
// answers ok.
func (c *Client) Upload(ctx context.Context, data []byte, channelID string) bool {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("channels", channelID)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, FileName))
	h.Set("Content-Type", "image/*")
	part, err := w.CreatePart(h)
	if err != nil {
		c.log.Warn("upload form failed", logx.Err(err))
		return false
	}
	if _, err := part.Write(data); err != nil {
		c.log.Warn("upload form failed", logx.Err(err))
		return false
	}
	_ = w.Close()

	q := url.Values{"channels": {channelID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"files.upload?"+q.Encode(), &buf)
	if err != nil {
		c.log.Warn("upload request failed", logx.Err(err))
		return false
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	if err := c.do(ctx, "files.upload", req, true, nil); err != nil {
		c.log.Warn("upload failed", logx.String("channel", channelID), logx.Err(err))
		return false
	}
	c.log.Debug("uploaded", logx.String("channel", channelID), logx.Int("bytes", len(data)))
	return true
}

type apiChannel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	User          string `json:"user"`
	IsMpim        bool   `json:"is_mpim"`
	IsUserDeleted bool   `json:"is_user_deleted"`
	Topic         struct {
		Value string `json:"value"`
	} `json:"topic"`
	Purpose struct {
		Value string `json:"value"`
	} `json:"purpose"`
}

type conversationsList struct {
	Channels []apiChannel `json:"channels"`
	Metadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type usersInfo struct {
	User struct {
		Name     string `json:"name"`
		RealName string `json:"real_name"`
	} `json:"user"`
}

// ListChannels walks every page of conversations.list. Direct conversations
// are named after the other user; deleted users are skipped. Any failure
// yields nil.
func (c *Client) ListChannels(ctx context.Context) []chat.Channel {
	out, err := c.listChannels(ctx)
	if err != nil {
		c.log.Warn("list channels failed", logx.Err(err))
		return nil
	}
	return out
}

func (c *Client) listChannels(ctx context.Context) ([]chat.Channel, error) {
	var (
		res    []chat.Channel
		cursor string
	)
	for {
		q := url.Values{
			"exclude_archived": {"true"},
			"types":            {conversationTypes},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page conversationsList
		if err := c.get(ctx, "conversations.list", q, &page); err != nil {
			return nil, err
		}

		var ims []apiChannel
		for _, ch := range page.Channels {
			switch {
			case ch.User != "":
				if !ch.IsUserDeleted {
					ims = append(ims, ch)
				}
			case ch.IsMpim:
				res = append(res, chat.Channel{ID: ch.ID, Name: ch.Purpose.Value, Kind: chat.KindGroup})
			default:
				res = append(res, chat.Channel{
					ID:      ch.ID,
					Name:    ch.Name,
					Kind:    chat.KindChannel,
					Topic:   ch.Topic.Value,
					Purpose: ch.Purpose.Value,
				})
			}
		}

		direct, err := c.directConversations(ctx, ims)
		if err != nil {
			return nil, err
		}
		res = append(res, direct...)

		cursor = page.Metadata.NextCursor
		if cursor == "" {
			break
		}
	}
	chat.SortChannels(res)
	return res, nil
}

func (c *Client) directConversations(ctx context.Context, ims []apiChannel) ([]chat.Channel, error) {
	if len(ims) == 0 {
		return nil, nil
	}
	out := make([]chat.Channel, len(ims))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.UserLookups)
	for i, im := range ims {
		g.Go(func() error {
			var info usersInfo
			if err := c.get(gctx, "users.info", url.Values{"user": {im.User}}, &info); err != nil {
				return err
			}
			name := info.User.RealName
			if name == "" {
				name = info.User.Name
			}
			out[i] = chat.Channel{ID: im.ID, Name: name, Kind: chat.KindDirect}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

type oauthAccess struct {
	AuthedUser struct {
		AccessToken string `json:"access_token"`
	} `json:"authed_user"`
	Team struct {
		Name string `json:"name"`
	} `json:"team"`
}

// ExchangeAuthCode trades an authorization code for a user token.
func (c *Client) ExchangeAuthCode(ctx context.Context, code string) *chat.AuthResult {
	q := url.Values{
		"code":          {code},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	if c.cfg.RedirectURI != "" {
		q.Set("redirect_uri", c.cfg.RedirectURI)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"oauth.v2.access?"+q.Encode(), nil)
	if err != nil {
		c.log.Warn("oauth request failed", logx.Err(err))
		return nil
	}
	var res oauthAccess
	if err := c.do(ctx, "oauth.v2.access", req, false, &res); err != nil {
		c.log.Warn("oauth exchange failed", logx.Err(err))
		return nil
	}
	if res.AuthedUser.AccessToken == "" {
		c.log.Warn("oauth exchange returned no user token")
		return nil
	}
	return &chat.AuthResult{Token: res.AuthedUser.AccessToken, TeamName: res.Team.Name}
}
