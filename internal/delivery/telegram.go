package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"opportunity-dispatch/internal/opportunity"
)

// TelegramSink 通过 Telegram Bot API 私聊推送机会，用户 ID 即 chat_id。
type TelegramSink struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramSink 构造 Telegram 推送器。
func NewTelegramSink(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramSink{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "delivery_telegram").Logger(),
	}
}

// Deliver 调用 sendMessage API 推送文本。
func (s *TelegramSink) Deliver(ctx context.Context, userID string, opp opportunity.Opportunity) error {
	payload := map[string]string{
		"chat_id": userID,
		"text":    renderMessage(opp),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failed("telegram.marshal", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failed("telegram.request", s.redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return failed("telegram.send", s.redact(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed("telegram.send", fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode))
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return failed("telegram.send", fmt.Errorf("telegram 返回 ok=false: %s", result.Description))
	}

	s.logger.Debug().Str("user_id", userID).Str("opportunity_id", opp.ID).Msg("机会已推送 (Telegram)")
	return nil
}

// redact 去掉错误中携带的 bot token (请求 URL 会出现在 *url.Error 中)。
func (s *TelegramSink) redact(err error) error {
	if s.botToken == "" || !strings.Contains(err.Error(), s.botToken) {
		return err
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && !strings.Contains(uerr.Err.Error(), s.botToken) {
		return &url.Error{Op: uerr.Op, URL: strings.ReplaceAll(uerr.URL, s.botToken, "<redacted>"), Err: uerr.Err}
	}
	return errors.New(strings.ReplaceAll(err.Error(), s.botToken, "<redacted>"))
}

var _ Sink = (*TelegramSink)(nil)
