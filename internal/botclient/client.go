// Package botclient calls the bot transport's internal API.
package botclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/model"
)

const (
	sendTimeout   = 30 * time.Second
	deleteTimeout = 10 * time.Second
	tokenHeader   = "X-Internal-Token"
)

var (
	// ErrPayloadTooLarge is returned when the transport rejects a message with HTTP 413.
	ErrPayloadTooLarge = errors.New("bot transport: payload too large")
	// ErrUnavailable covers network failures and non-2xx responses.
	ErrUnavailable = errors.New("bot transport unavailable")
)

// OutboundAttachment is the attachment shape the transport understands.
type OutboundAttachment struct {
	LocalPath      *string        `json:"local_path"`
	URL            *string        `json:"url"`
	TelegramFileID *string        `json:"telegram_file_id"`
	Mime           *string        `json:"mime"`
	Name           *string        `json:"name"`
	Size           *int64         `json:"size"`
	Meta           map[string]any `json:"meta"`
}

// SendRequest is the body of POST /internal/send.
type SendRequest struct {
	TgID                     int64                  `json:"tg_id"`
	MessageID                *uuid.UUID             `json:"message_id,omitempty"`
	Text                     *string                `json:"text"`
	Type                     model.MessageType      `json:"type"`
	ReplyToTelegramMessageID *int64                 `json:"reply_to_telegram_message_id"`
	InlineButtons            [][]model.InlineButton `json:"inline_buttons"`
	Attachments              []OutboundAttachment   `json:"attachments"`
}

type sendResponse struct {
	TelegramMessageID *int64 `json:"telegram_message_id"`
}

// Attachments converts stored attachments to the transport shape.
func Attachments(in []model.Attachment) []OutboundAttachment {
	out := make([]OutboundAttachment, 0, len(in))
	for _, a := range in {
		out = append(out, OutboundAttachment{
			LocalPath:      a.LocalPath,
			URL:            a.URL,
			TelegramFileID: a.TelegramFileID,
			Mime:           a.Mime,
			Name:           a.Name,
			Size:           a.Size,
			Meta:           a.Meta,
		})
	}
	return out
}

// Client is the core-to-transport client.
type Client struct {
	rc *resty.Client
}

// New creates a client for the transport at baseURL.
func New(baseURL, token string) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader(tokenHeader, token).
		SetHeader("Accept", "application/json").
		SetTimeout(sendTimeout)
	return &Client{rc: rc}
}

// Send delivers a message and returns the remote message id, which is nil
// when the transport did not report one. Buttons with unusable URLs are
// removed before sending.
func (c *Client) Send(ctx context.Context, req SendRequest) (*int64, error) {
	req.InlineButtons = SanitizeButtons(req.InlineButtons)
	if req.Attachments == nil {
		req.Attachments = []OutboundAttachment{}
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	var out sendResponse
	if err := c.post(ctx, "/internal/send", req, &out); err != nil {
		return nil, err
	}
	return out.TelegramMessageID, nil
}

// Delete asks the transport to remove a delivered message.
func (c *Client) Delete(ctx context.Context, tgID, telegramMessageID int64) error {
	ctx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()
	return c.post(ctx, "/internal/delete", map[string]int64{
		"tg_id":               tgID,
		"telegram_message_id": telegramMessageID,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	r := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload)
	if result != nil {
		r = r.SetResult(result).ExpectContentType("application/json")
	}

	resp, err := r.Post(path)
	if err != nil {
		globalMetrics().calls.WithLabelValues(path, "error").Inc()
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusRequestEntityTooLarge:
		globalMetrics().calls.WithLabelValues(path, "too_large").Inc()
		return ErrPayloadTooLarge
	case !resp.IsSuccess():
		globalMetrics().calls.WithLabelValues(path, "error").Inc()
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, code)
	}
	globalMetrics().calls.WithLabelValues(path, "ok").Inc()
	return nil
}

// SanitizeButtons drops buttons without text or with a URL that is not an
// absolute http(s) URL, then drops empty rows. The result is nil when
// nothing usable remains.
func SanitizeButtons(rows [][]model.InlineButton) [][]model.InlineButton {
	var out [][]model.InlineButton
	for _, row := range rows {
		var kept []model.InlineButton
		for _, b := range row {
			if strings.TrimSpace(b.Text) == "" || !validButtonURL(b.URL) {
				continue
			}
			kept = append(kept, b)
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	return out
}

func validButtonURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
