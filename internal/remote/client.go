package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/falconlib/falcon/internal/schema"
)

// Client is a Store that talks to a falcon server over HTTP, with change
// feeds carried on websockets.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *log.Logger
}

// NewClient returns a client for the server at baseURL
// (e.g. "http://localhost:8080").
func NewClient(baseURL string, httpClient *http.Client, logger *log.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{base: u, http: httpClient, logger: logger}, nil
}

func (c *Client) docURL(collection, id string) string {
	u := *c.base
	u.Path += "/v1/" + url.PathEscape(collection)
	if id != "" {
		u.Path += "/" + url.PathEscape(id)
	}
	u.RawPath = ""
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target string, body any, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%s %s: %s: %s", method, target, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Upsert implements Store.
func (c *Client) Upsert(ctx context.Context, collection, id string, rec schema.Record) error {
	_, err := c.do(ctx, http.MethodPut, c.docURL(collection, id), rec, nil)
	return err
}

// Delete implements Store.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.docURL(collection, id), nil, nil)
	return err
}

// GetAll implements Store.
func (c *Client) GetAll(ctx context.Context, collection string) ([]schema.Record, error) {
	var records []schema.Record
	if _, err := c.do(ctx, http.MethodGet, c.docURL(collection, ""), nil, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []schema.Record{}
	}
	return records, nil
}

// Get implements Store.
func (c *Client) Get(ctx context.Context, collection, id string) (schema.Record, bool, error) {
	var rec schema.Record
	status, err := c.do(ctx, http.MethodGet, c.docURL(collection, id), nil, &rec)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	return rec, true, nil
}

// Subscribe implements Store. The server pushes a snapshot right after the
// websocket opens and after every change.
func (c *Client) Subscribe(ctx context.Context, collection, docID string, fn Handler) (Unsubscribe, error) {
	u := *c.base
	u.Path += "/v1/watch"
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{"collection": {collection}}
	if docID != "" {
		q.Set("doc", docID)
	}
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: failed to open change feed: %v", ErrUnavailable, err)
	}
	conn.SetReadLimit(32 << 20)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			var snap Snapshot
			if err := wsjson.Read(ctx, conn, &snap); err != nil {
				if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, io.EOF) {
					c.logger.Printf("Change feed for %s closed: %v", collection, err)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			fn(snap)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = conn.Close(websocket.StatusNormalClosure, "")
			wg.Wait()
		})
	}, nil
}
