package circuit

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrOpen is returned when a request is short-circuited.
var ErrOpen = errors.New("circuit open")

// Doer is the minimal HTTP client surface the decorator wraps.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client wraps an HTTP client with per-host circuit breaking. Transport
// errors and 5xx responses count as failures; everything else closes the
// circuit again.
type Client struct {
	next    Doer
	breaker *Breaker
}

// NewClient wraps next with the given breaker.
func NewClient(next Doer, breaker *Breaker) *Client {
	return &Client{next: next, breaker: breaker}
}

// Do forwards the request unless the host's circuit is open.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	key := req.URL.Host
	if !c.breaker.Allow(key) {
		return nil, fmt.Errorf("%s: %w", key, ErrOpen)
	}

	resp, err := c.next.Do(req)
	if err != nil {
		c.breaker.RecordFailure(key)
		return nil, err
	}
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure(key)
	} else {
		c.breaker.RecordSuccess(key)
	}
	return resp, nil
}
