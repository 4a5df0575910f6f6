// Package onebot speaks the OneBot v11 HTTP protocol to the QQ bot
// runtime: sending messages out, and receiving message/notice events on
// a small HTTP server.
package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Messenger delivers chat messages. Implemented by [Client]; fakes
// implement it in tests.
type Messenger interface {
	SendGroupMessage(ctx context.Context, groupQQ int64, message string) error
	SendPrivateMessage(ctx context.Context, userQQ int64, message string) error
}

// Client calls the OneBot HTTP API of a bot runtime such as go-cqhttp.
type Client struct {
	baseURL     string
	accessToken string
	httpc       *http.Client
}

func NewClient(baseURL, accessToken string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) SendGroupMessage(ctx context.Context, groupQQ int64, message string) error {
	return c.call(ctx, "send_group_msg", map[string]any{
		"group_id": groupQQ,
		"message":  message,
	})
}

func (c *Client) SendPrivateMessage(ctx context.Context, userQQ int64, message string) error {
	return c.call(ctx, "send_private_msg", map[string]any{
		"user_id": userQQ,
		"message": message,
	})
}

type apiResponse struct {
	Status  string `json:"status"`
	Retcode int    `json:"retcode"`
}

func (c *Client) call(ctx context.Context, action string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error encoding %s payload: %s", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error building %s request: %s", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("error calling %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code from %s: %d", action, resp.StatusCode)
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("error decoding %s response: %s", action, err)
	}
	if apiResp.Retcode != 0 {
		return fmt.Errorf("%s rejected: status=%s retcode=%d", action, apiResp.Status, apiResp.Retcode)
	}

	return nil
}
