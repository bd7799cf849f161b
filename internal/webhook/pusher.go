package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Event 推送给外部系统的事件
type Event struct {
	ID           string         `json:"id"`
	Event        string         `json:"event"`
	DeviceSerial string         `json:"deviceSn"`
	Timestamp    int64          `json:"timestamp"`
	Data         map[string]any `json:"data"`
}

// NewEvent 生成带 ID 的事件
func NewEvent(kind, serial string, at time.Time, data map[string]any) Event {
	return Event{ID: uuid.NewString(), Event: kind, DeviceSerial: serial, Timestamp: at.Unix(), Data: data}
}

// Pusher 带签名与重试的 HTTP 推送
type Pusher struct {
	Client  *http.Client
	APIKey  string
	Secret  string
	Retries int
	Backoff []time.Duration
	now     func() time.Time
}

func NewPusher(client *http.Client, apiKey, secret string) *Pusher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Pusher{
		Client:  client,
		APIKey:  apiKey,
		Secret:  secret,
		Retries: 3,
		Backoff: []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second},
		now:     time.Now,
	}
}

// SendJSON 发送 JSON，只对网络错误与 5xx 重试
func (p *Pusher) SendJSON(ctx context.Context, endpoint string, payload any) (int, []byte, error) {
	if p == nil || p.Client == nil {
		return 0, nil, errors.New("nil pusher")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return 0, nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	var (
		code     int
		respBody []byte
		lastErr  error
	)
	for attempt := 0; attempt <= p.Retries; attempt++ {
		// 每次重试重新签名，nonce 不复用
		req, err := p.newRequest(ctx, u, body)
		if err != nil {
			return 0, nil, err
		}
		resp, err := p.Client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			code = resp.StatusCode
			respBody, _ = io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if code < http.StatusInternalServerError {
				if code >= 300 {
					return code, respBody, fmt.Errorf("http %d", code)
				}
				return code, respBody, nil
			}
			lastErr = fmt.Errorf("http %d", code)
		}
		if attempt == p.Retries {
			break
		}
		backoff := p.Backoff[min(attempt, len(p.Backoff)-1)]
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return code, respBody, lastErr
}

func (p *Pusher) newRequest(ctx context.Context, u *url.URL, body []byte) (*http.Request, error) {
	ts := p.now().Unix()
	nonce := uuid.NewString()[:8]
	sig := SignHMAC(p.Secret, Canonical(http.MethodPost, u.Path, ts, nonce, body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("X-Api-Key", p.APIKey)
	}
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Nonce", nonce)
	return req, nil
}
