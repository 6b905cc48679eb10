package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
)

// TelegramConfig configures the Bot API sink.
type TelegramConfig struct {
	BaseURL     string // https://api.telegram.org
	Token       string
	ChatID      int64
	ChainName   string
	Environment string
	Timeout     time.Duration
}

// Telegram posts messages to one chat through the Bot API.
type Telegram struct {
	httpClient *http.Client
	cfg        TelegramConfig
	logger     *slog.Logger
}

func NewTelegram(cfg TelegramConfig, logger *slog.Logger) *Telegram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger.With("component", "telegram"),
	}
}

type sendMessageRequest struct {
	ChatID             int64              `json:"chat_id"`
	Text               string             `json:"text"`
	ParseMode          string             `json:"parse_mode"`
	LinkPreviewOptions linkPreviewOptions `json:"link_preview_options"`
}

type linkPreviewOptions struct {
	IsDisabled bool `json:"is_disabled"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify sends msg prefixed with the chain and environment.
func (t *Telegram) Notify(ctx context.Context, msg string) error {
	return t.send(ctx, msg)
}

// Alert sends msg marked as an alert.
func (t *Telegram) Alert(ctx context.Context, msg string) error {
	return t.send(ctx, AlertPrefix+msg)
}

func (t *Telegram) send(ctx context.Context, msg string) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.UpstreamRequests.WithLabelValues("telegram", "sendMessage", outcome).Inc()
	}()

	text := fmt.Sprintf("On %s, %s.\n%s", t.cfg.ChainName, t.cfg.Environment, msg)
	body, err := json.Marshal(sendMessageRequest{
		ChatID:             t.cfg.ChatID,
		Text:               text,
		ParseMode:          "HTML",
		LinkPreviewOptions: linkPreviewOptions{IsDisabled: true},
	})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}

	endpoint := strings.TrimRight(t.cfg.BaseURL, "/") + "/bot" + t.cfg.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// the URL carries the bot token
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read telegram response: %w", err)
	}
	var res sendMessageResponse
	if err := json.Unmarshal(respBody, &res); err != nil {
		return fmt.Errorf("telegram response (http %d): %w", resp.StatusCode, err)
	}
	if !res.OK {
		t.logger.Error("failed to send a telegram notification", "status", resp.StatusCode, "description", res.Description)
		return fmt.Errorf("telegram rejected message: %s", res.Description)
	}
	t.logger.Debug("sent a telegram notification", "length", len(text))
	return nil
}
