// Package chatapi is the pull channel: the REST endpoints that list history,
// persist messages and register the session name.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chaterrors"
	"github.com/go-go-golems/chatsync/pkg/transcript"
)

const maxErrorBody = 512

type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	newKey  func() string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout. It applies to a copy of the HTTP
// client, so a client passed to WithHTTPClient is never modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithIdempotencyKeys overrides how Idempotency-Key values are generated.
func WithIdempotencyKeys(f func() string) Option {
	return func(c *Client) {
		if f != nil {
			c.newKey = f
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("chatapi: base url is empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "chatapi: parse base url")
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 10 * time.Second},
		newKey: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.http
		hc.Timeout = c.timeout
		c.http = &hc
	}
	return c, nil
}

// FetchHistory returns the full authoritative history in server order.
func (c *Client) FetchHistory(ctx context.Context) ([]transcript.Incoming, error) {
	const op = "fetch history"
	body, err := c.do(ctx, op, http.MethodGet, "/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	var msgs []transcript.Incoming
	if len(bytes.TrimSpace(body)) == 0 {
		return msgs, nil
	}
	if err := json.Unmarshal(body, &msgs); err != nil {
		return nil, &chaterrors.ServerError{Op: op, Status: http.StatusOK, Body: "undecodable history: " + err.Error()}
	}
	return msgs, nil
}

type postMessageRequest struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// PostMessage persists one message. The returned Incoming carries the server id
// when the server reports one.
func (c *Client) PostMessage(ctx context.Context, author, text string) (transcript.Incoming, error) {
	const op = "post message"
	payload, err := json.Marshal(postMessageRequest{Author: author, Text: text})
	if err != nil {
		return transcript.Incoming{}, errors.Wrap(err, "encode message")
	}
	key := c.newKey()
	body, err := c.do(ctx, op, http.MethodPost, "/messages", payload, http.Header{"Idempotency-Key": []string{key}})
	if err != nil {
		return transcript.Incoming{}, err
	}

	created := transcript.Incoming{Author: author, Text: text}
	if len(bytes.TrimSpace(body)) == 0 {
		return created, nil
	}
	var echoed transcript.Incoming
	if err := json.Unmarshal(body, &echoed); err != nil {
		// the server accepted the message; an unreadable body only costs us the id
		log.Debug().Err(err).Str("component", "chatapi").Str("idempotency_key", key).Msg("post message: ignoring undecodable response body")
		return created, nil
	}
	created.ServerID = echoed.ServerID
	return created, nil
}

type nameRequest struct {
	Name string `json:"name"`
}

func (c *Client) SubmitName(ctx context.Context, name string) error {
	payload, err := json.Marshal(nameRequest{Name: name})
	if err != nil {
		return errors.Wrap(err, "encode name")
	}
	_, err = c.do(ctx, "submit name", http.MethodPost, "/name", payload, nil)
	return err
}

func (c *Client) endpoint(p string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	return u.String()
}

func (c *Client) do(ctx context.Context, op, method, path string, payload []byte, header http.Header) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: build request", op)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &chaterrors.NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &chaterrors.ServerError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &chaterrors.NetworkError{Op: op, Err: err}
	}
	return b, nil
}
