// Package alert 执行失败 / 部分成交等事件的告警投递。
package alert

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/sigrouter/internal/ports"
)

var log = logrus.WithField("component", "alert")

// LogAlerter 只写日志的告警（未配置 webhook 时使用）
type LogAlerter struct{}

func (LogAlerter) Notify(_ context.Context, kind ports.AlertKind, details map[string]any) error {
	entry := log.WithFields(logrus.Fields(details))
	switch kind {
	case ports.AlertPartialFill:
		entry.Infof("🔔 [%s] 部分成交", kind)
	default:
		entry.Warnf("🚨 [%s] %s", kind, summary(details))
	}
	return nil
}

// WebhookAlerter 以 JSON POST 到外部告警网关（聊天机器人、值班系统等）
type WebhookAlerter struct {
	url    string
	client *resty.Client
}

// webhookPayload 告警请求体
type webhookPayload struct {
	Kind    ports.AlertKind `json:"kind"`
	Text    string          `json:"text"`
	Details map[string]any  `json:"details"`
	SentAt  int64           `json:"sent_at"`
}

// NewWebhookAlerter 创建 webhook 告警；timeout<=0 时默认 5 秒，不做重试
func NewWebhookAlerter(url string, timeout time.Duration) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "sigrouter-alert")
	return &WebhookAlerter{url: url, client: client}
}

func (w *WebhookAlerter) Notify(ctx context.Context, kind ports.AlertKind, details map[string]any) error {
	body := webhookPayload{
		Kind:    kind,
		Text:    string(kind) + ": " + summary(details),
		Details: details,
		SentAt:  time.Now().UnixMilli(),
	}
	resp, err := w.client.R().SetContext(ctx).SetBody(body).Post(w.url)
	if err != nil {
		return errors.Wrap(err, "alert webhook request failed")
	}
	if resp.IsError() {
		return errors.Errorf("alert webhook returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// Multi 依次投递给多个 Alerter，返回第一个错误
type Multi []ports.Alerter

func (m Multi) Notify(ctx context.Context, kind ports.AlertKind, details map[string]any) error {
	var first error
	for _, a := range m {
		if err := a.Notify(ctx, kind, details); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// summary 把 details 拼成稳定顺序的单行文本
func summary(details map[string]any) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+toString(details[k]))
	}
	return strings.Join(parts, " ")
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
