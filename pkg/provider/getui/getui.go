// Package getui is the GeTui RestAPI v2 client used to reach users outside
// the realtime channel once the retry queue gives up on them.
package getui

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lzyats/yuim-realtime/pkg/push"
)

// Provider implements GeTui RestAPI v2.
//
// Token:
//
//	POST {base}/{appId}/auth with JSON body {sign,timestamp,appkey}
//
// Push:
//
//	POST {base}/{appId}/push/single/alias  audience.alias
//
// The push call carries the header token: <token>.
type Provider struct {
	cfg        push.PushSettings
	httpClient *http.Client
	now        func() time.Time

	mu       sync.Mutex
	token    string
	expireAt time.Time
}

var _ push.Notifier = (*Provider)(nil)

func New(cfg push.PushSettings) *Provider {
	return &Provider{
		cfg:        cfg.WithDefaults(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func (p *Provider) Type() string { return "getui" }

// Notify addresses the user by alias; devices bind their alias to the
// account id at login.
func (p *Provider) Notify(ctx context.Context, userID, title, body string, data map[string]string) error {
	_, err := p.send(ctx, push.Message{
		Title:   title,
		Body:    body,
		Data:    data,
		Targets: []string{userID},
	})
	return err
}

func (p *Provider) fail(err error, body string) (push.Result, error) {
	return push.Result{OK: false, Provider: p.Type(), At: p.now(), Body: body, Error: err.Error()}, err
}

func (p *Provider) send(ctx context.Context, msg push.Message) (push.Result, error) {
	if p.cfg.AppID == "" || p.cfg.AppKey == "" || p.cfg.MasterSecret == "" {
		return p.fail(fmt.Errorf("getui: missing appId/appKey/masterSecret: %w", push.ErrNotConfigured), "")
	}
	targets := make([]string, 0, len(msg.Targets))
	for _, t := range msg.Targets {
		if t = strings.TrimSpace(t); t != "" {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return p.fail(fmt.Errorf("getui: missing targets: %w", push.ErrInvalidArgument), "")
	}

	tok, err := p.getToken(ctx)
	if err != nil {
		return p.fail(err, "")
	}

	pm := map[string]any{
		"notification": map[string]any{
			"title":      msg.Title,
			"body":       msg.Body,
			"click_type": "none",
		},
	}
	if len(msg.Data) > 0 {
		raw, _ := json.Marshal(msg.Data)
		pm["transmission"] = string(raw)
	}
	reqBody := map[string]any{
		"request_id":   strings.ReplaceAll(uuid.NewString(), "-", ""),
		"settings":     map[string]any{"ttl": p.cfg.TTLMillis},
		"audience":     map[string]any{"alias": targets},
		"push_message": pm,
	}

	b, _ := json.Marshal(reqBody)
	url := p.url("push/single/alias")
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return p.fail(err, "")
	}
	hreq.Header.Set("Content-Type", "application/json;charset=utf-8")
	hreq.Header.Set("token", tok)

	resp, err := p.httpClient.Do(hreq)
	if err != nil {
		return p.fail(err, "")
	}
	defer resp.Body.Close()
	bodyBytes, _ := io.ReadAll(resp.Body)
	bodyStr := string(bodyBytes)

	if resp.StatusCode != http.StatusOK {
		return p.fail(fmt.Errorf("getui: http %d: %s", resp.StatusCode, bodyStr), bodyStr)
	}

	// {code,msg,data:{taskid:{cid:status}}}
	var r struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(bodyBytes, &r); err != nil {
		return p.fail(fmt.Errorf("getui: decode response: %w", err), bodyStr)
	}
	if r.Code != 0 {
		if r.Code == 10001 {
			// token rejected; force a refresh on the next call
			p.mu.Lock()
			p.token = ""
			p.mu.Unlock()
		}
		return p.fail(fmt.Errorf("getui: code=%d msg=%s", r.Code, r.Msg), bodyStr)
	}
	return push.Result{OK: true, Provider: p.Type(), At: p.now(), Body: bodyStr}, nil
}

func (p *Provider) url(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/" + p.cfg.AppID + "/" + path
}

func (p *Provider) getToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.token != "" && p.now().Before(p.expireAt.Add(-2*time.Minute)) {
		t := p.token
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	timestamp := strconv.FormatInt(p.now().UnixMilli(), 10)
	payload := map[string]string{
		"sign":      sha256Hex(p.cfg.AppKey + timestamp + p.cfg.MasterSecret),
		"timestamp": timestamp,
		"appkey":    p.cfg.AppKey,
	}
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url("auth"), bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json;charset=utf-8")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("getui auth: http %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var r struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			ExpireTime string `json:"expire_time"`
			Token      string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &r); err != nil {
		return "", err
	}
	if r.Code != 0 {
		return "", fmt.Errorf("getui auth: code=%d msg=%s", r.Code, r.Msg)
	}
	if r.Data.Token == "" {
		return "", errors.New("getui auth: empty token")
	}

	exp := p.now().Add(23 * time.Hour)
	if ms, err := strconv.ParseInt(strings.TrimSpace(r.Data.ExpireTime), 10, 64); err == nil && ms > 0 {
		exp = time.UnixMilli(ms)
	}

	p.mu.Lock()
	p.token = r.Data.Token
	p.expireAt = exp
	p.mu.Unlock()

	return r.Data.Token, nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
