package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// TelegramNotifier pushes CRITICAL alerts to a Telegram chat.
type TelegramNotifier struct {
	client *resty.Client
	token  string
	chatID string
	log    *logrus.Entry
}

// NewTelegramNotifier builds the sink for the given bot token and chat.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		client: resty.New().SetTimeout(10 * time.Second).SetRetryCount(2),
		token:  botToken,
		chatID: chatID,
		log:    logrus.WithField("component", "telegram-notifier"),
	}
}

// Notify sends the event as a message. Delivery failures are logged, not
// propagated: alerting must never take the execution path down.
func (n *TelegramNotifier) Notify(ctx context.Context, event string, payload string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.token)
	resp, err := n.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id": n.chatID,
			"text":    fmt.Sprintf("[%s] %s", event, payload),
		}).
		Post(url)
	if err != nil {
		n.log.Errorf("telegram send failed: %v", err)
		return nil
	}
	if resp.IsError() {
		n.log.Errorf("telegram send failed: status %d", resp.StatusCode())
	}
	return nil
}
