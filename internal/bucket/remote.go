package bucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Wire types for the shared bucket service. The service performs the same
// conservative merge on re-creation that Registry does in-process, so every
// process sharing a named bucket sees the tightest declared constraint.

type CreateRequest struct {
	Name       string  `json:"name"`
	Type       Kind    `json:"type"`
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
}

type CreateResponse struct {
	Status string     `json:"status"` // "new" or "existing"
	ID     string     `json:"id"`
	Bucket BucketInfo `json:"bucket"`
}

type BucketInfo struct {
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
}

type GrantResponse struct {
	Granted bool    `json:"granted"`
	WaitMs  int64   `json:"wait_ms"`
	Tokens  float64 `json:"tokens"`
}

type StatusResponse struct {
	Tokens      float64    `json:"tokens"`
	NumReleased float64    `json:"num_released"`
	Log         []LogEntry `json:"log"`
}

type LogEntry struct {
	Time   time.Time `json:"t"`
	Tokens float64   `json:"tokens"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client talks to a shared bucket service so independent OS processes
// coordinate one logical quota.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates a bucket service client. baseURL is the service root,
// e.g. "http://localhost:7912".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateBucket registers a named bucket with the service and returns an
// adapter bound to it. Re-creating an existing name merges conservatively
// server-side and binds to the tightened bucket.
func (c *Client) CreateBucket(name string, kind Kind, capacity, refillRate float64) (*RemoteBucket, error) {
	req := CreateRequest{Name: name, Type: kind, Capacity: capacity, RefillRate: refillRate}
	var resp CreateResponse
	if err := c.postJSON("/bucket", req, &resp); err != nil {
		return nil, fmt.Errorf("create bucket %s/%s: %w", name, kind, err)
	}
	return &RemoteBucket{
		client:       c,
		id:           resp.ID,
		capacity:     resp.Bucket.Capacity,
		refillRate:   resp.Bucket.RefillRate,
		pollInterval: DefaultPollInterval,
	}, nil
}

// RemoteFactory returns a registry factory that delegates every bucket to the
// service, naming buckets "<service>:<model>:<kind>".
func (c *Client) RemoteFactory() Factory {
	return func(key Key, kind Kind, capacity, refillRate float64) (Bucket, error) {
		return c.CreateBucket(key.String(), kind, capacity, refillRate)
	}
}

func (c *Client) postJSON(path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("bucket service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			if resp.StatusCode == http.StatusUnprocessableEntity {
				return fmt.Errorf("%s: %w", er.Error, ErrCapacityExceeded)
			}
			return fmt.Errorf("bucket service: %s", er.Error)
		}
		return fmt.Errorf("bucket service: HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// RemoteBucket implements Bucket by delegating every call to the shared
// service. Atomicity of refill→compare→decrement lives server-side, which is
// what makes one logical quota safe across processes.
type RemoteBucket struct {
	client        *Client
	id            string
	capacity      float64
	refillRate    float64
	pollInterval  time.Duration
	cheatCapacity float64
}

// ID returns the service-assigned bucket identifier.
func (rb *RemoteBucket) ID() string { return rb.id }

// SetPollInterval overrides the acquire poll interval. Used by tests.
func (rb *RemoteBucket) SetPollInterval(d time.Duration) { rb.pollInterval = d }

// SetCheatCapacity sets the cheat_bucket_capacity value forwarded on
// get_tokens calls. The value is transported verbatim; interpretation is
// left to the service.
func (rb *RemoteBucket) SetCheatCapacity(v float64) { rb.cheatCapacity = v }

func (rb *RemoteBucket) getTokens(amount float64) (GrantResponse, error) {
	q := url.Values{}
	q.Set("amount", strconv.FormatFloat(amount, 'f', -1, 64))
	if rb.cheatCapacity > 0 {
		q.Set("cheat_bucket_capacity", strconv.FormatFloat(rb.cheatCapacity, 'f', -1, 64))
	}
	var resp GrantResponse
	err := rb.client.postJSON("/bucket/"+rb.id+"/get_tokens?"+q.Encode(), nil, &resp)
	return resp, err
}

// Acquire polls the service until the grant succeeds. Like the in-process
// bucket there is no FIFO ordering across waiters.
func (rb *RemoteBucket) Acquire(ctx context.Context, amount float64) error {
	if amount > rb.capacity && rb.cheatCapacity < amount {
		return fmt.Errorf("acquire %g from %g-capacity bucket %s: %w", amount, rb.capacity, rb.id, ErrCapacityExceeded)
	}
	for {
		resp, err := rb.getTokens(amount)
		if err != nil {
			return err
		}
		if resp.Granted {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rb.pollInterval):
		}
	}
}

// AddTokens credits tokens back. Best-effort: a service error leaves the
// bucket slightly conservative, which is safe.
func (rb *RemoteBucket) AddTokens(amount float64) {
	q := url.Values{}
	q.Set("amount", strconv.FormatFloat(amount, 'f', -1, 64))
	_ = rb.client.postJSON("/bucket/"+rb.id+"/add_tokens?"+q.Encode(), nil, nil)
}

// WaitTime projects the wait from the service's reported balance and the
// capacity/rate returned at creation.
func (rb *RemoteBucket) WaitTime(amount float64) time.Duration {
	var st StatusResponse
	if err := rb.client.getJSON("/bucket/"+rb.id+"/status", &st); err != nil {
		return rb.pollInterval
	}
	if st.Tokens >= amount {
		return 0
	}
	if rb.refillRate <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration((amount - st.Tokens) / rb.refillRate * float64(time.Second))
}

// TokensRemaining reports the service's current balance, zero on error.
func (rb *RemoteBucket) TokensRemaining() float64 {
	var st StatusResponse
	if err := rb.client.getJSON("/bucket/"+rb.id+"/status", &st); err != nil {
		return 0
	}
	return st.Tokens
}

// SetTurboMode toggles throttling server-side for every process sharing the
// bucket.
func (rb *RemoteBucket) SetTurboMode(on bool) {
	_ = rb.client.postJSON("/bucket/"+rb.id+"/turbo_mode/"+strconv.FormatBool(on), nil, nil)
}

// Status fetches the service-side status including the grant log.
func (rb *RemoteBucket) Status() (StatusResponse, error) {
	var st StatusResponse
	err := rb.client.getJSON("/bucket/"+rb.id+"/status", &st)
	return st, err
}
