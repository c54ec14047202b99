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

// PushMessage is the body accepted by the push service.
type PushMessage struct {
	Topic string            `json:"topic"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type PushClient struct {
	URL  string
	HTTP *http.Client
}

func NewPushClient(url string, timeout time.Duration) *PushClient {
	return &PushClient{URL: url, HTTP: &http.Client{Timeout: timeout}}
}

func (c *PushClient) Send(ctx context.Context, msg PushMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}
