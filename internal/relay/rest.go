package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/logging"
	"github.com/dmitrijs2005/chatsync/internal/session"
)

// RESTClient is the request/response fallback path: offline sends, bulk
// history pulls and the key registry. It also serves as the
// session.KeyDirectory implementation.
type RESTClient struct {
	baseURL string
	client  *http.Client
	token   string
	log     logging.Logger
}

// NewRESTClient returns a RESTClient for the relay at baseURL.
func NewRESTClient(baseURL string, log logging.Logger) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

// Login obtains an access token for userID and stores it for subsequent
// requests.
func (c *RESTClient) Login(ctx context.Context, userID string) error {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/login",
		map[string]string{"userId": userID}, &resp)
	if err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

// Token returns the current access token. The live channel reuses it on
// upgrade.
func (c *RESTClient) Token() string { return c.token }

// Ping probes relay reachability. The connectivity watcher calls this on
// an interval to flip the scheduler's online state.
func (c *RESTClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

// Send posts an envelope over the fallback path. The relay deduplicates on
// clientMessageId, so resending after a timeout is safe.
func (c *RESTClient) Send(ctx context.Context, env Envelope) (*DeliveryReceipt, error) {
	receipt := &DeliveryReceipt{}
	path := "/conversations/" + url.PathEscape(env.ConversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, env, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// Subscribe is not available over the fallback path.
func (c *RESTClient) Subscribe(context.Context) (<-chan Incoming, error) {
	return nil, fatal(fmt.Errorf("live channel unavailable over REST"))
}

// Close implements Transport. The underlying http.Client needs no teardown.
func (c *RESTClient) Close() error { return nil }

// Pull fetches the ordered delta of envelopes with positions greater than
// after. Bounded by the cursor, reconnect catch-up transfers only the
// missing range.
func (c *RESTClient) Pull(ctx context.Context, conversationID string, after int64) ([]Incoming, error) {
	var result []Incoming
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages?after=" +
		strconv.FormatInt(after, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// RegisterPublicKey implements session.KeyDirectory.
func (c *RESTClient) RegisterPublicKey(ctx context.Context, userID string, publicKeyDER []byte) error {
	body := map[string]any{"userId": userID, "publicKey": publicKeyDER}
	return c.do(ctx, http.MethodPost, "/keys/public", body, nil)
}

// FetchPublicKey implements session.KeyDirectory.
func (c *RESTClient) FetchPublicKey(ctx context.Context, userID string) ([]byte, error) {
	var resp struct {
		PublicKey []byte `json:"publicKey"`
	}
	err := c.do(ctx, http.MethodGet, "/keys/public/"+url.PathEscape(userID), nil, &resp)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("user %s: %w", userID, common.ErrPeerKeyUnavailable)
		}
		return nil, err
	}
	return resp.PublicKey, nil
}

// ProposeSessionKey implements session.KeyDirectory.
func (c *RESTClient) ProposeSessionKey(ctx context.Context, p *session.Proposal) error {
	err := c.do(ctx, http.MethodPost, "/keys/session", p, nil)
	if err != nil && isStatus(err, http.StatusConflict) {
		return fmt.Errorf("proposal %s: %w", p.KeyID, common.ErrHandshakeRejected)
	}
	return err
}

// SessionProposals fetches pending key proposals for a conversation so a
// participant can install keys negotiated by its peers.
func (c *RESTClient) SessionProposals(ctx context.Context, conversationID string) ([]*session.Proposal, error) {
	var result []*session.Proposal
	path := "/keys/session/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// statusError carries the HTTP status of a rejected request.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.code, e.body)
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == code
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fatal(fmt.Errorf("failed to encode request: %w", err))
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(common.AccessTokenHeaderName, "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Debug(ctx, "relay request failed", "method", method, "path", path, "error", err)
		return retriable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(resp.Body)
		c.log.Debug(ctx, "relay returned server error", "method", method, "path", path, "status", resp.StatusCode)
		return retriable(&statusError{code: resp.StatusCode, body: string(b)})
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fatal(&statusError{code: resp.StatusCode, body: string(b)})
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fatal(fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}
