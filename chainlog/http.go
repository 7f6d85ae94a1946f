package chainlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp/harvest-ledger/ledger"
	"github.com/warp/harvest-ledger/retry"
)

// =============================================================================
// HTTP - Relayer/indexer client
// =============================================================================

const DefaultTimeout = 10 * time.Second

// ErrNotConnected is returned when a call is made before Connect or after Close.
var ErrNotConnected = errors.New("chainlog: not connected")

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   retry.Policy
}

// HTTP is constructed once by the host and injected into the builder and
// verifier. Its lifecycle is explicit: Connect before use, Close on shutdown.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client

	mu        sync.RWMutex
	connected bool
	network   string
}

var _ ledger.ChainLog = (*HTTP)(nil)

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTP{cfg: cfg, client: &http.Client{}}
}

type healthResponse struct {
	Network string `json:"network"`
	ChainID int64  `json:"chain_id"`
}

// Connect checks the relayer and learns which network it writes to.
func (c *HTTP) Connect(ctx context.Context) error {
	l := log.WithFields(log.Fields{
		"package": "chainlog",
		"func":    "Connect",
		"url":     c.cfg.BaseURL,
	})
	l.Info("Connecting to chain relayer")

	var health healthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		l.WithError(err).Error("Relayer unreachable")
		return &ledger.SourceUnavailableError{Source: ledger.SourceBlockchain, Op: "connect", Err: err}
	}

	c.mu.Lock()
	c.connected = true
	c.network = health.Network
	c.mu.Unlock()
	l.WithFields(log.Fields{"network": health.Network, "chain_id": health.ChainID}).Info("Connected to chain relayer")
	return nil
}

func (c *HTTP) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.client.CloseIdleConnections()
	return nil
}

// Network is the name reported at Connect.
func (c *HTTP) Network() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.network
}

func (c *HTTP) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

type eventsResponse struct {
	Events []ledger.ChainEvent `json:"events"`
}

// QueryEventsForBatch returns the batch's events. A batch the indexer has
// never seen has no events; that is not an error.
func (c *HTTP) QueryEventsForBatch(ctx context.Context, batchID ledger.BatchID) ([]ledger.ChainEvent, error) {
	if !c.isConnected() {
		return nil, &ledger.SourceUnavailableError{Source: ledger.SourceBlockchain, Op: "query events", Err: ErrNotConnected}
	}

	var resp eventsResponse
	err := c.do(ctx, http.MethodGet, "/batches/"+url.PathEscape(string(batchID))+"/events", nil, &resp)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &ledger.SourceUnavailableError{Source: ledger.SourceBlockchain, Op: "query events", Err: err}
	}
	return resp.Events, nil
}

type transferBody struct {
	BatchID  ledger.BatchID         `json:"batch_id"`
	Type     ledger.TransactionType `json:"type"`
	From     string                 `json:"from"`
	To       string                 `json:"to"`
	Quantity string                 `json:"quantity"`
	Price    string                 `json:"price"`
	RecordID ledger.TransactionID   `json:"record_id"`
}

type transferResponse struct {
	TxHash string `json:"tx_hash"`
}

// SubmitTransfer notarizes one record. The record id doubles as the
// idempotency key, so retries never mine twice.
func (c *HTTP) SubmitTransfer(ctx context.Context, req ledger.TransferRequest) (string, error) {
	if !c.isConnected() {
		return "", &ledger.SourceUnavailableError{Source: ledger.SourceBlockchain, Op: "submit transfer", Err: ErrNotConnected}
	}

	body := transferBody{
		BatchID:  req.BatchID,
		Type:     req.Type,
		From:     req.From,
		To:       req.To,
		Quantity: req.Quantity.String(),
		Price:    req.Price.String(),
		RecordID: req.RecordID,
	}
	var resp transferResponse
	if err := c.do(ctx, http.MethodPost, "/transfers", body, &resp); err != nil {
		return "", &ledger.SourceUnavailableError{Source: ledger.SourceBlockchain, Op: "submit transfer", Err: err}
	}
	if resp.TxHash == "" {
		return "", &ledger.SourceUnavailableError{Source: ledger.SourceBlockchain, Op: "submit transfer", Err: errors.New("relayer returned no tx hash")}
	}
	return resp.TxHash, nil
}

var errNotFound = errors.New("not found")

// do performs one JSON call with timeout and retry. 5xx, 429 and network
// errors are retried; other 4xx are not.
func (c *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	return retry.Do(ctx, c.cfg.Retry, "chainlog."+method+" "+path, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.APIKey != "" {
			req.Header.Set("X-API-Key", c.cfg.APIKey)
		}
		if tb, ok := in.(transferBody); ok {
			req.Header.Set("Idempotency-Key", string(tb.RecordID))
		}

		res, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		data, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
		if err != nil {
			return err
		}

		switch {
		case res.StatusCode == http.StatusNotFound:
			return retry.Permanent(errNotFound)
		case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
			return fmt.Errorf("%s %s: status %d", method, path, res.StatusCode)
		case res.StatusCode >= 400:
			return retry.Permanent(fmt.Errorf("%s %s: status %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(data))))
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode %s response: %w", path, err))
		}
		return nil
	})
}
