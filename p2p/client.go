package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"shieldpool/internal/merkle"
	"shieldpool/internal/pool"
	"shieldpool/internal/shielded"
	"shieldpool/internal/transactions/bridge"
	"shieldpool/internal/transactions/register"
)

// Client talks to a remote node. It implements shielded.TreeView, so a wallet can prove
// against a remote pool.
type Client struct {
	base        string
	http        *http.Client
	bridgeToken string
}

var _ shielded.TreeView = (*Client)(nil)

// NewClient creates a client for the node at address (host:port or URL).
func NewClient(address string) *Client {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return &Client{
		base: strings.TrimRight(address, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithBridgeToken sets the credential sent with bridge deliveries.
func (c *Client) WithBridgeToken(token string) *Client {
	c.bridgeToken = token
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		enc, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(enc)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bridgeToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bridgeToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
			return fmt.Errorf("peer returned non-OK status: %s", resp.Status)
		}
		return decodeError(resp.StatusCode, e)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Root(ctx context.Context) (common.Hash, error) {
	var root common.Hash
	err := c.do(ctx, http.MethodGet, "/root", nil, &root)
	return root, err
}

func (c *Client) Snapshot(ctx context.Context) (merkle.Snapshot, error) {
	var snap merkle.Snapshot
	err := c.do(ctx, http.MethodGet, "/snapshot", nil, &snap)
	return snap, err
}

func (c *Client) Stats(ctx context.Context) (pool.Stats, error) {
	var stats pool.Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, &stats)
	return stats, err
}

func (c *Client) PathAt(ctx context.Context, index, size uint64) (merkle.Path, error) {
	var resp PathResponse
	path := "/path/" + strconv.FormatUint(index, 10) + "?size=" + strconv.FormatUint(size, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return merkle.Path{}, err
	}
	if resp.Index != index || resp.Size != size {
		return merkle.Path{}, fmt.Errorf("peer answered for index %d size %d", resp.Index, resp.Size)
	}
	return resp.Path()
}

// Commitments fetches the insert events in [from, to). The node returns at most one page, so
// callers continue from the index after the last event received.
func (c *Client) Commitments(ctx context.Context, from, to uint64) ([]pool.InsertEvent, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	q.Set("to", strconv.FormatUint(to, 10))
	var events []pool.InsertEvent
	err := c.do(ctx, http.MethodGet, "/commitments?"+q.Encode(), nil, &events)
	return events, err
}

func (c *Client) IsSpent(ctx context.Context, nullifier common.Hash) (bool, error) {
	var resp NullifierResponse
	if err := c.do(ctx, http.MethodGet, "/nullifiers/"+nullifier.Hex(), nil, &resp); err != nil {
		return false, err
	}
	return resp.Spent, nil
}

// Transact submits tx. Rejections come back wrapping the pool's sentinel errors.
func (c *Client) Transact(ctx context.Context, tx *shielded.Transaction) (*pool.Receipt, error) {
	receipt := new(pool.Receipt)
	if err := c.do(ctx, http.MethodPost, "/tx", tx, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// Deliver hands a bridged deposit to the node.
func (c *Client) Deliver(ctx context.Context, d *bridge.Delivery) (*pool.Receipt, error) {
	receipt := new(pool.Receipt)
	if err := c.do(ctx, http.MethodPost, "/bridge", d, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// Register publishes a's shielded address. When tx is not nil it is submitted after the
// registration succeeds.
func (c *Client) Register(ctx context.Context, a *register.Account, tx *shielded.Transaction) (*AccountResponse, error) {
	resp := new(AccountResponse)
	if err := c.do(ctx, http.MethodPost, "/accounts", &RegisterRequest{Account: a, Transaction: tx}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Lookup returns a receive-only keypair for the registered owner.
func (c *Client) Lookup(ctx context.Context, owner common.Address) (*shielded.Keypair, error) {
	var resp AccountResponse
	if err := c.do(ctx, http.MethodGet, "/accounts/"+owner.Hex(), nil, &resp); err != nil {
		return nil, err
	}
	return shielded.KeypairFromAddress(resp.Address)
}

// Subscribe streams event messages into out until ctx is done or the connection drops.
func (c *Client) Subscribe(ctx context.Context, out chan<- Message) error {
	u := "ws" + strings.TrimPrefix(c.base, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("failed to dial event stream: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
