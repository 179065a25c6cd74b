package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

// Sender delivers a text message and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, phone, body string) (string, error)
}

type SMSConfig struct {
	AccountSID string `env:"TWILIO_ACCOUNT_SID"`
	AuthToken  string `env:"TWILIO_AUTH_TOKEN,unset"`
	FromNumber string `env:"TWILIO_PHONE_NUMBER"`
	APIBase    string `env:"TWILIO_API_BASE" envDefault:"https://api.twilio.com"`
}

func SMSConfigFromEnv() (SMSConfig, error) {
	var cfg SMSConfig
	if err := env.Parse(&cfg); err != nil {
		return SMSConfig{}, fmt.Errorf("parse sms env: %w", err)
	}
	return cfg, nil
}

// Enabled reports whether all Twilio credentials are present.
func (c SMSConfig) Enabled() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

// NewSender returns a TwilioSender when credentials are configured and a
// LogSender otherwise.
func NewSender(cfg SMSConfig, logger *zap.SugaredLogger) Sender {
	if !cfg.Enabled() {
		logger.Warnw("twilio credentials missing; text messages will only be logged")
		return NewLogSender(logger)
	}
	logger.Infow("twilio sms sender enabled", "from", cfg.FromNumber)
	return NewTwilioSender(cfg, nil)
}

// TwilioSender talks to the Twilio Messages REST API.
type TwilioSender struct {
	cfg    SMSConfig
	client *http.Client
}

func NewTwilioSender(cfg SMSConfig, client *http.Client) *TwilioSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.twilio.com"
	}
	return &TwilioSender{cfg: cfg, client: client}
}

type twilioResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (t *TwilioSender) Send(ctx context.Context, phone, body string) (string, error) {
	if !strings.HasPrefix(phone, "+") {
		return "", errors.New("phone number must include country code (e.g. +15550000)")
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(t.cfg.APIBase, "/"), url.PathEscape(t.cfg.AccountSID))

	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", t.cfg.FromNumber)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	var out twilioResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		if out.Message != "" {
			return "", fmt.Errorf("twilio status %d: %s", resp.StatusCode, out.Message)
		}
		return "", fmt.Errorf("twilio status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode response: %w", decodeErr)
	}
	if out.SID == "" {
		return "", errors.New("twilio response carried no message sid")
	}
	return out.SID, nil
}

// LogSender logs messages instead of delivering them. Used in development.
type LogSender struct {
	logger *zap.SugaredLogger
}

func NewLogSender(logger *zap.SugaredLogger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) Send(ctx context.Context, phone, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "log-" + fmt.Sprint(time.Now().UnixNano())
	l.logger.Infow("sms (not delivered)", "to", phone, "body", body, "message_id", id)
	return id, nil
}
