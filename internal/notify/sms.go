package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SMSChannel posts intents to an SMS provider webhook.
type SMSChannel struct {
	url      string
	token    string
	template *Template
	client   *http.Client
}

// NewSMSChannel creates an SMS channel posting to url with a bearer token.
func NewSMSChannel(url, token string, tmpl *Template) *SMSChannel {
	if tmpl == nil {
		tmpl = DefaultTemplate()
	}
	return &SMSChannel{
		url:      url,
		token:    token,
		template: tmpl,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Kind returns ChannelSMS.
func (c *SMSChannel) Kind() ChannelKind { return ChannelSMS }

type smsRequest struct {
	To        string `json:"to"`
	Message   string `json:"message"`
	Priority  string `json:"priority"`
	Reference string `json:"reference"`
}

// Deliver posts one message. Status >= 300 is a failure; client errors
// other than 408 and 429 are not retried.
func (c *SMSChannel) Deliver(ctx context.Context, in *Intent, to Recipient) error {
	if to.Phone == "" {
		return fmt.Errorf("%w: sms for user %s", ErrNoAddress, to.UserID)
	}
	text, err := c.template.SMS(in)
	if err != nil {
		return fmt.Errorf("%w: sms: %w", ErrRejected, err)
	}
	body, err := json.Marshal(smsRequest{
		To:        to.Phone,
		Message:   text,
		Priority:  string(in.Priority),
		Reference: in.ID,
	})
	if err != nil {
		return fmt.Errorf("%w: sms: %w", ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: sms: %w", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sms: %w", ErrChannelFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck // drain for keep-alive

	switch {
	case resp.StatusCode < http.StatusMultipleChoices:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: sms provider status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("%w: sms provider status %d", ErrChannelFailure, resp.StatusCode)
	}
}
