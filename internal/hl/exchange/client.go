package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hl-spread-arb/internal/hl/rest"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.hyperliquid.xyz"

// Client signs L1 actions and posts them to the exchange endpoint. When a
// vault address is set every action trades on behalf of that vault.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *Signer
	vault   *common.Address
	nonces  nonceClock
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, signer *Signer, vaultAddress string) (*Client, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		signer:  signer,
		log:     zap.NewNop(),
	}
	if strings.TrimSpace(vaultAddress) != "" {
		addr := common.HexToAddress(vaultAddress)
		c.vault = &addr
	}
	return c, nil
}

func (c *Client) SetLogger(log *zap.Logger) {
	if log == nil {
		return
	}
	c.log = log
	c.nonces.log = log
}

// PlaceOrders submits every order in one signed action. The venue accepts or
// rejects the batch as a unit and reports one status per order.
func (c *Client) PlaceOrders(ctx context.Context, orders []OrderWire) (*Response, error) {
	if len(orders) == 0 {
		return nil, errors.New("orders are required")
	}
	action := OrderAction{Type: "order", Orders: orders, Grouping: "na"}
	return c.submit(ctx, action)
}

// CancelOrder cancels by venue order id, used for orders we did not place in
// this session.
func (c *Client) CancelOrder(ctx context.Context, asset int, orderID int64) (*Response, error) {
	action := CancelAction{Type: "cancel", Cancels: []CancelWire{{Asset: asset, OrderID: orderID}}}
	return c.submit(ctx, action)
}

func (c *Client) CancelByCloid(ctx context.Context, asset int, cloid string) (*Response, error) {
	if strings.TrimSpace(cloid) == "" {
		return nil, errors.New("cloid is required")
	}
	action := CancelByCloidAction{Type: "cancelByCloid", Cancels: []CancelByCloidWire{{Asset: asset, Cloid: cloid}}}
	return c.submit(ctx, action)
}

// InitNonceStore makes nonces survive restarts. Nonces already issued by this
// client are never reissued.
func (c *Client) InitNonceStore(ctx context.Context, store NonceStore) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.nonces.seed(ctx, store, nonceStoreKey(c.baseURL, c.signer, c.vault))
}

func (c *Client) NonceState() (NonceState, bool) {
	return c.nonces.state()
}

func (c *Client) submit(ctx context.Context, action any) (*Response, error) {
	nonce := c.nonces.next()
	sig, err := c.signer.Sign(action, nonce, c.vault)
	if err != nil {
		return nil, fmt.Errorf("sign action: %w", err)
	}
	payload := SignedAction{Action: action, Nonce: nonce, Signature: sig}
	if c.vault != nil {
		addr := c.vault.Hex()
		payload.VaultAddress = &addr
	}
	return c.post(ctx, "/exchange", payload)
}

func (c *Client) post(ctx context.Context, path string, req any) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &rest.StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", path, err)
	}
	return &out, nil
}
