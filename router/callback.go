package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// CallbackSender POSTs a request's final state to its callback URL when it
// reaches a terminal status. Transient delivery failures are retried with
// backoff; exhaustion is logged by the caller, never surfaced to the
// request's owner.
type CallbackSender struct {
	client *retryablehttp.Client
}

// NewCallbackSender builds a sender with the given retry budget.
func NewCallbackSender(retryMax int) *CallbackSender {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.Logger = nil
	c.HTTPClient.Timeout = 10 * time.Second
	return &CallbackSender{client: c}
}

// Deliver POSTs the terminal request as JSON to url.
func (s *CallbackSender) Deliver(url string, req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding callback for request %s: %w", req.ID, err)
	}
	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("delivering callback for request %s: %w", req.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback for request %s: receiver returned %s", req.ID, resp.Status)
	}
	return nil
}
