package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
)

// HTTPExplorerClient implements ExplorerClient against a block explorer's
// REST API (the shape esplora/mempool.space expose): POST raw tx hex to
// broadcast, GET /tx/:txid for status, GET /blocks/tip/height for tip.
type HTTPExplorerClient struct {
	BaseURL string
	HTTPClient *http.Client
	MaxRetries uint64
}

// NewHTTPExplorerClient builds a client with a bounded retry policy for
// the broadcast call: up to 3 total attempts, exponential backoff
// starting at 1s and doubling each retry.
func NewHTTPExplorerClient(baseURL string) *HTTPExplorerClient {
	return &HTTPExplorerClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		MaxRetries: 2,
	}
}

type explorerTxResponse struct {
	Status struct {
		Confirmed bool `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// Broadcast submits rawTx, retrying transient failures with exponential
// backoff (cenkalti/backoff) before surfacing a permanent error.
func (c *HTTPExplorerClient) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	const op = "chain.HTTPExplorerClient.Broadcast"
	_, txidHash, err := DecodeTx(rawTx)
	if err != nil {
		return "", err
	}
	txid := txidHash.String()

	body := hex.EncodeToString(rawTx)
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.Multiplier = 2
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, c.MaxRetries), ctx)

	rejected := false
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/tx", strings.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err // transient, retry
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("explorer returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			rejected = true
			return backoff.Permanent(fmt.Errorf("explorer rejected transaction: %d", resp.StatusCode))
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if rejected {
			return "", errs.New(errs.KindPermanent, op, err)
		}
		return "", errs.New(errs.KindTransient, op, err)
	}
	return txid, nil
}

// TxStatus queries the explorer for a transaction's confirmation state.
func (c *HTTPExplorerClient) TxStatus(ctx context.Context, txid string) (TxState, error) {
	const op = "chain.HTTPExplorerClient.TxStatus"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/tx/"+txid, nil)
	if err != nil {
		return TxState{}, errs.New(errs.KindInput, op, err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return TxState{}, errs.New(errs.KindTransient, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return TxState{Txid: txid, Status: StatusNotFound, LastChecked: time.Now()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return TxState{}, errs.New(errs.KindTransient, op, fmt.Errorf("explorer returned %d", resp.StatusCode))
	}
	var body explorerTxResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return TxState{}, errs.New(errs.KindTransient, op, err)
	}
	state := TxState{Txid: txid, LastChecked: time.Now()}
	if !body.Status.Confirmed {
		state.Status = StatusPending
		return state, nil
	}
	tip, err := c.TipHeight(ctx)
	if err != nil {
		state.Status = StatusConfirming
		state.BlockHeight = body.Status.BlockHeight
		return state, nil
	}
	state.BlockHeight = body.Status.BlockHeight
	state.Confirmations = tip - body.Status.BlockHeight + 1
	state.Status = StatusConfirming
	return state, nil
}

// TipHeight returns the current chain tip height.
func (c *HTTPExplorerClient) TipHeight(ctx context.Context) (int64, error) {
	const op = "chain.HTTPExplorerClient.TipHeight"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, errs.New(errs.KindInput, op, err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, errs.New(errs.KindTransient, op, err)
	}
	defer resp.Body.Close()
	var height int64
	if err := json.NewDecoder(resp.Body).Decode(&height); err != nil {
		return 0, errs.New(errs.KindTransient, op, err)
	}
	return height, nil
}
