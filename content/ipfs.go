package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"github.com/warp/harvest-ledger/ledger"
	"github.com/warp/harvest-ledger/retry"
	"golang.org/x/time/rate"
)

// =============================================================================
// IPFS - Pinning API + gateway reads
// =============================================================================

// Strategy selects the pinning API dialect.
type Strategy string

const (
	// StrategyAuto probes the API once and caches the answer.
	StrategyAuto   Strategy = ""
	StrategyPinata Strategy = "pinata"
	StrategyKubo   Strategy = "kubo"
)

const (
	DefaultGatewayTimeout = 20 * time.Second
	DefaultPinTimeout     = 30 * time.Second
	DefaultCacheTTL       = time.Hour

	maxCertificateBytes = 16 << 20
)

type IPFSConfig struct {
	// APIURL is the pinning service base, e.g. https://api.pinata.cloud or
	// http://127.0.0.1:5001.
	APIURL   string
	JWT      string
	Strategy Strategy

	// Gateways are tried for reads, e.g. https://gateway.pinata.cloud.
	Gateways []string
	// Sequential tries gateways one after another instead of fanning out.
	Sequential bool

	GatewayTimeout time.Duration
	PinTimeout     time.Duration
	Retry          retry.Policy

	// PinRate limits outbound pin calls per second. Zero disables limiting.
	PinRate  float64
	PinBurst int

	CacheTTL time.Duration
}

type IPFS struct {
	cfg     IPFSConfig
	http    *http.Client
	limiter *rate.Limiter

	probeMu sync.Mutex
	probes  *cache.Cache
	blobs   *cache.Cache
}

var _ ledger.ContentStore = (*IPFS)(nil)

func NewIPFS(cfg IPFSConfig) *IPFS {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = DefaultGatewayTimeout
	}
	if cfg.PinTimeout <= 0 {
		cfg.PinTimeout = DefaultPinTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	gateways := make([]string, 0, len(cfg.Gateways))
	for _, gw := range cfg.Gateways {
		gateways = append(gateways, strings.TrimRight(gw, "/"))
	}
	cfg.Gateways = gateways

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.PinRate > 0 {
		burst := cfg.PinBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.PinRate), burst)
	}

	return &IPFS{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: limiter,
		probes:  cache.New(cache.NoExpiration, 0),
		blobs:   cache.New(cfg.CacheTTL, 10*time.Minute),
	}
}

// =============================================================================
// PIN RESPONSES - Tagged union resolved at the boundary
// =============================================================================

// PinShape names the response layout a pinning API returned.
type PinShape int

const (
	ShapePinata PinShape = iota + 1 // {"IpfsHash": "...", "PinSize": n}
	ShapeKubo                       // {"Name": "...", "Hash": "...", "Size": "n"}
	ShapeCID                        // {"cid": "..."}
)

func (s PinShape) String() string {
	switch s {
	case ShapePinata:
		return "pinata"
	case ShapeKubo:
		return "kubo"
	case ShapeCID:
		return "cid"
	}
	return "unknown"
}

type PinResponse struct {
	Shape   PinShape
	Address string
}

// DecodePinResponse recognises one of the known shapes.
func DecodePinResponse(body []byte) (PinResponse, error) {
	var raw struct {
		IpfsHash string `json:"IpfsHash"`
		Hash     string `json:"Hash"`
		CID      string `json:"cid"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return PinResponse{}, fmt.Errorf("decode pin response: %w", err)
	}
	switch {
	case raw.IpfsHash != "":
		return PinResponse{Shape: ShapePinata, Address: raw.IpfsHash}, nil
	case raw.Hash != "":
		return PinResponse{Shape: ShapeKubo, Address: raw.Hash}, nil
	case raw.CID != "":
		return PinResponse{Shape: ShapeCID, Address: raw.CID}, nil
	}
	return PinResponse{}, fmt.Errorf("decode pin response: no content address in %q", truncate(body, 200))
}

// =============================================================================
// PUT
// =============================================================================

func (c *IPFS) Put(ctx context.Context, b []byte) (string, error) {
	l := log.WithFields(log.Fields{
		"package": "content",
		"func":    "Put",
		"bytes":   len(b),
	})

	strategy, err := c.strategy(ctx)
	if err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &ledger.SourceUnavailableError{Source: ledger.SourceContent, Op: "pin", Err: err}
	}

	resp, err := retry.Value(ctx, c.cfg.Retry, "ipfs.pin", func(ctx context.Context) (PinResponse, error) {
		return c.pin(ctx, strategy, b)
	})
	if err != nil {
		l.WithError(err).Error("Pin failed")
		return "", &ledger.SourceUnavailableError{Source: ledger.SourceContent, Op: "pin", Err: err}
	}

	l.WithFields(log.Fields{"address": resp.Address, "shape": resp.Shape}).Info("Pinned")
	return resp.Address, nil
}

func (c *IPFS) pin(ctx context.Context, strategy Strategy, b []byte) (PinResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PinTimeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "certificate.json")
	if err != nil {
		return PinResponse{}, retry.Permanent(err)
	}
	if _, err := part.Write(b); err != nil {
		return PinResponse{}, retry.Permanent(err)
	}
	if err := mw.Close(); err != nil {
		return PinResponse{}, retry.Permanent(err)
	}

	endpoint := c.cfg.APIURL + "/api/v0/add?pin=true"
	if strategy == StrategyPinata {
		endpoint = c.cfg.APIURL + "/pinning/pinFileToIPFS"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return PinResponse{}, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	res, err := c.http.Do(req)
	if err != nil {
		return PinResponse{}, err
	}
	defer res.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return PinResponse{}, err
	}
	if err := classify(res.StatusCode, payload); err != nil {
		return PinResponse{}, err
	}
	resp, err := DecodePinResponse(payload)
	if err != nil {
		return PinResponse{}, retry.Permanent(err)
	}
	return resp, nil
}

func (c *IPFS) authorize(req *http.Request) {
	if c.cfg.JWT != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.JWT)
	}
}

// strategy returns the configured strategy or probes the API once. The
// probe result lives for the lifetime of the client.
func (c *IPFS) strategy(ctx context.Context) (Strategy, error) {
	if c.cfg.Strategy != StrategyAuto {
		return c.cfg.Strategy, nil
	}
	if s, ok := c.probes.Get(c.cfg.APIURL); ok {
		return s.(Strategy), nil
	}

	c.probeMu.Lock()
	defer c.probeMu.Unlock()
	if s, ok := c.probes.Get(c.cfg.APIURL); ok {
		return s.(Strategy), nil
	}

	l := log.WithFields(log.Fields{"package": "content", "func": "strategy", "api": c.cfg.APIURL})
	for _, candidate := range []struct {
		strategy Strategy
		method   string
		path     string
	}{
		{StrategyPinata, http.MethodGet, "/data/testAuthentication"},
		{StrategyKubo, http.MethodPost, "/api/v0/version"},
	} {
		ok, err := c.probe(ctx, candidate.method, candidate.path)
		if err != nil {
			l.WithError(err).Debugf("Probe %s failed", candidate.strategy)
			continue
		}
		if ok {
			l.Infof("Pinning API speaks %s", candidate.strategy)
			c.probes.Set(c.cfg.APIURL, candidate.strategy, cache.NoExpiration)
			return candidate.strategy, nil
		}
	}
	return StrategyAuto, &ledger.SourceUnavailableError{
		Source: ledger.SourceContent,
		Op:     "probe pinning api",
		Err:    fmt.Errorf("%s answered neither pinata nor kubo probes", c.cfg.APIURL),
	}
}

func (c *IPFS) probe(ctx context.Context, method, path string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, nil)
	if err != nil {
		return false, err
	}
	c.authorize(req)
	res, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	return res.StatusCode >= 200 && res.StatusCode < 300, nil
}

// =============================================================================
// GET / HEAD - Gateway reads
// =============================================================================

var errNotFound = errors.New("gateway: not found")

// Get returns the content at address from the first gateway that serves it.
// A 404 from every gateway is ErrContentNotFound; any other exhaustion is
// a SourceUnavailableError. Only bytes a gateway actually served are cached,
// never what this process pinned, so a hit still proves retrievability.
func (c *IPFS) Get(ctx context.Context, address string) ([]byte, error) {
	if b, ok := c.blobs.Get(address); ok {
		return append([]byte(nil), b.([]byte)...), nil
	}

	b, err := c.read(ctx, http.MethodGet, address)
	if err != nil {
		return nil, err
	}
	c.blobs.SetDefault(address, b)
	return append([]byte(nil), b...), nil
}

func (c *IPFS) HeadExists(ctx context.Context, address string) (bool, error) {
	if _, ok := c.blobs.Get(address); ok {
		return true, nil
	}
	_, err := c.read(ctx, http.MethodHead, address)
	if errors.Is(err, ledger.ErrContentNotFound) {
		return false, nil
	}
	return err == nil, err
}

type gatewayResult struct {
	gateway string
	body    []byte
	err     error
}

func (c *IPFS) read(ctx context.Context, method, address string) ([]byte, error) {
	l := log.WithFields(log.Fields{
		"package": "content",
		"func":    "read",
		"method":  method,
		"address": address,
	})
	if len(c.cfg.Gateways) == 0 {
		return nil, &ledger.SourceUnavailableError{Source: ledger.SourceContent, Op: method + " " + address, Err: errors.New("no gateways configured")}
	}

	var errs []error
	notFound := 0
	record := func(r gatewayResult) {
		l.WithField("gateway", r.gateway).WithError(r.err).Debug("Gateway failed")
		if errors.Is(r.err, errNotFound) {
			notFound++
		}
		errs = append(errs, fmt.Errorf("%s: %w", r.gateway, r.err))
	}

	if c.cfg.Sequential {
		for _, gw := range c.cfg.Gateways {
			r := c.fetch(ctx, gw, method, address)
			if r.err == nil {
				return r.body, nil
			}
			record(r)
		}
	} else {
		fanCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		results := make(chan gatewayResult, len(c.cfg.Gateways))
		for _, gw := range c.cfg.Gateways {
			go func(gw string) {
				results <- c.fetch(fanCtx, gw, method, address)
			}(gw)
		}
		for range c.cfg.Gateways {
			r := <-results
			if r.err == nil {
				cancel()
				l.WithField("gateway", r.gateway).Debug("Served")
				return r.body, nil
			}
			record(r)
		}
	}

	if notFound == len(c.cfg.Gateways) {
		return nil, ledger.ErrContentNotFound
	}
	return nil, &ledger.SourceUnavailableError{
		Source: ledger.SourceContent,
		Op:     method + " " + address,
		Err:    errors.Join(errs...),
	}
}

// fetch reads from one gateway with its own timeout and retry budget.
// Only transient failures are retried.
func (c *IPFS) fetch(ctx context.Context, gateway, method, address string) gatewayResult {
	body, err := retry.Value(ctx, c.cfg.Retry, "ipfs."+strings.ToLower(method), func(ctx context.Context) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, method, gateway+"/ipfs/"+address, nil)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		res, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		defer res.Body.Close()

		if res.StatusCode == http.StatusNotFound {
			return nil, retry.Permanent(errNotFound)
		}
		if method == http.MethodHead {
			if err := classify(res.StatusCode, nil); err != nil {
				return nil, err
			}
			return nil, nil
		}
		payload, err := io.ReadAll(io.LimitReader(res.Body, maxCertificateBytes))
		if err != nil {
			return nil, err
		}
		if err := classify(res.StatusCode, payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	return gatewayResult{gateway: gateway, body: body, err: err}
}

// classify maps an HTTP status to nil, a transient error, or a permanent one.
func classify(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("status %d: %s", status, truncate(body, 200))
	default:
		return retry.Permanent(fmt.Errorf("status %d: %s", status, truncate(body, 200)))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
