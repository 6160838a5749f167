// Package transport implements the follower.Transport collaborator: an
// HTTP/2 client that fetches chunks of the replication log from a master
// and parses the response headers the core loop depends on.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/estuary/dbfollower/follower"
	"github.com/estuary/dbfollower/wire"
)

const (
	headerLastIncludedTick = "x-last-included-tick"
	headerLastTick         = "x-last-tick"
	headerCheckMore        = "x-check-more"
	headerFromPresent      = "x-from-present"
	headerActive           = "x-active"
)

// Client is an HTTP/2 implementation of follower.Transport.
type Client struct {
	endpoint   string
	tokens     *tokenSource
	httpClient *http.Client
}

// Options configures Client construction.
type Options struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// AuthToken is presented verbatim as a bearer token. Mutually exclusive
	// with SigningKey; if both are set, SigningKey takes precedence.
	AuthToken string
	// SigningKey, when set, mints short-lived HS256 JWT bearer tokens
	// instead of presenting a static credential on every request.
	SigningKey []byte
	Subject    string
	TokenTTL   time.Duration

	// InsecureSkipVerify disables TLS certificate verification; intended
	// only for connecting to masters behind a trusted internal proxy that
	// terminates TLS with a certificate the follower doesn't carry a CA
	// for.
	InsecureSkipVerify bool
}

// New builds a Client against endpoint, the master's chunk-fetch base URL.
func New(endpoint string, opts Options) (*Client, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}
	var h2 = &http2.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify},
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			var d = &tls.Dialer{NetDialer: &net.Dialer{Timeout: opts.ConnectTimeout}, Config: cfg}
			return d.DialContext(ctx, network, addr)
		},
	}
	var client = &http.Client{
		Transport: h2,
		Timeout:   opts.RequestTimeout,
	}
	return &Client{endpoint: endpoint, tokens: newTokenSource(opts), httpClient: client}, nil
}

// FetchChunk implements follower.Transport.
func (c *Client) FetchChunk(ctx context.Context, fromTick wire.Tick, chunkSize uint64) (
	body io.ReadCloser, headers follower.ChunkHeaders, err error,
) {
	var u, perr = url.Parse(c.endpoint)
	if perr != nil {
		return nil, follower.ChunkHeaders{}, fmt.Errorf("parsing endpoint: %w", perr)
	}
	var q = u.Query()
	q.Set("from", strconv.FormatUint(uint64(fromTick), 10))
	q.Set("chunkSize", strconv.FormatUint(chunkSize, 10))
	u.RawQuery = q.Encode()

	req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if rerr != nil {
		return nil, follower.ChunkHeaders{}, fmt.Errorf("building request: %w", rerr)
	}
	token, terr := c.tokens.token()
	if terr != nil {
		return nil, follower.ChunkHeaders{}, terr
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, derr := c.httpClient.Do(req)
	if derr != nil {
		return nil, follower.ChunkHeaders{}, fmt.Errorf("fetching chunk from tick %d: %w", fromTick, derr)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, follower.ChunkHeaders{}, fmt.Errorf("fetching chunk from tick %d: master responded %s", fromTick, resp.Status)
	}

	headers, herr := parseHeaders(resp.Header)
	if herr != nil {
		resp.Body.Close()
		return nil, follower.ChunkHeaders{}, herr
	}
	return resp.Body, headers, nil
}

func parseHeaders(h http.Header) (follower.ChunkHeaders, error) {
	var last, err1 = parseTick(h.Get(headerLastIncludedTick))
	var lastTick, err2 = parseTick(h.Get(headerLastTick))
	if err1 != nil {
		return follower.ChunkHeaders{}, fmt.Errorf("parsing %s: %w", headerLastIncludedTick, err1)
	}
	if err2 != nil {
		return follower.ChunkHeaders{}, fmt.Errorf("parsing %s: %w", headerLastTick, err2)
	}
	return follower.ChunkHeaders{
		LastIncludedTick: last,
		LastTick:         lastTick,
		CheckMore:        h.Get(headerCheckMore) == "true",
		FromPresent:      h.Get(headerFromPresent) != "false",
		Active:           h.Get(headerActive) != "false",
	}, nil
}

func parseTick(s string) (wire.Tick, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return wire.Tick(v), nil
}
