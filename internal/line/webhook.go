package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// WebhookEvent is the projection of a Messaging API webhook event. Only text
// message events carry content the bot acts on.
type WebhookEvent struct {
	Type       string `json:"type"`
	ReplyToken string `json:"replyToken"`
	Source     struct {
		UserID string `json:"userId"`
	} `json:"source"`
	Message struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

type webhookBody struct {
	Events []WebhookEvent `json:"events"`
}

// ParseWebhook decodes a webhook request body into its events.
func ParseWebhook(body []byte) ([]WebhookEvent, error) {
	var parsed webhookBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("line: parse webhook body: %w", err)
	}
	return parsed.Events, nil
}

// ValidateSignature checks the X-Line-Signature header against the channel
// secret (HMAC-SHA256 over the raw body, base64 encoded).
func ValidateSignature(channelSecret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	_, _ = mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
