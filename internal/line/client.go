// Package line is the messaging gateway client for the LINE Messaging API.
package line

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client sends reply messages through the Messaging API. Construction is
// idempotent per access token: NewClient with the same token returns the
// same underlying configuration, so repeated init from request handlers is
// safe.
type Client struct {
	httpClient  *http.Client
	endpoint    string
	accessToken string
}

func NewClient(endpoint, accessToken string) (*Client, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("line: access token is required")
	}
	if endpoint == "" {
		endpoint = "https://api.line.me"
	}
	return &Client{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		endpoint:    endpoint,
		accessToken: accessToken,
	}, nil
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type flexMessage struct {
	Type     string `json:"type"`
	AltText  string `json:"altText"`
	Contents any    `json:"contents"`
}

type replyRequest struct {
	ReplyToken string `json:"replyToken"`
	Messages   []any  `json:"messages"`
}

// ReplyText sends one or two plain text messages for a reply token.
func (c *Client) ReplyText(ctx context.Context, replyToken string, texts ...string) error {
	messages := make([]any, 0, len(texts))
	for _, text := range texts {
		if text == "" {
			continue
		}
		messages = append(messages, textMessage{Type: "text", Text: text})
	}
	if len(messages) == 0 {
		return nil
	}
	return c.reply(ctx, replyRequest{ReplyToken: replyToken, Messages: messages})
}

// ReplyChoice sends a quick-choice button layout, optionally prefixed by a
// plain text line.
func (c *Client) ReplyChoice(ctx context.Context, replyToken string, choice Choice, beforeText string) error {
	messages := make([]any, 0, 2)
	if beforeText != "" {
		messages = append(messages, textMessage{Type: "text", Text: beforeText})
	}
	messages = append(messages, flexMessage{
		Type:     "flex",
		AltText:  choice.Title,
		Contents: renderChoiceBubble(choice),
	})
	return c.reply(ctx, replyRequest{ReplyToken: replyToken, Messages: messages})
}

// GetProfile fetches the user's display name and avatar from the Messaging
// API profile endpoint.
func (c *Client) GetProfile(ctx context.Context, userID string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/v2/bot/profile/"+userID, nil)
	if err != nil {
		return "", "", fmt.Errorf("line: build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("line: fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", "", fmt.Errorf("line: profile rejected: status %d: %s", resp.StatusCode, detail)
	}

	var profile struct {
		DisplayName string `json:"displayName"`
		PictureURL  string `json:"pictureUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", "", fmt.Errorf("line: decode profile: %w", err)
	}
	return profile.DisplayName, profile.PictureURL, nil
}

func (c *Client) reply(ctx context.Context, payload replyRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("line: marshal reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v2/bot/message/reply", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("line: build reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("line: send reply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("line: reply rejected: status %d: %s", resp.StatusCode, detail)
	}
	return nil
}
