package dex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DRIFT GATEWAY CLIENT - Real perp execution
// ═══════════════════════════════════════════════════════════════════════════════
//
// Talks to a drift-gateway sidecar over REST for orders and account reads,
// and keeps a long-lived WebSocket subscription for account/fill updates so
// equity and open positions are served from cache between fills.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	openCloseTimeout = 20 * time.Second
	readTimeout      = 10 * time.Second
)

// DriftClient is the real-mode adapter implementation.
type DriftClient struct {
	baseURL     string
	wsURL       string
	subaccount  string
	slippageBps int
	httpClient  *http.Client

	mu        sync.RWMutex
	account   AccountInfo
	positions map[string]Position
	oracle    map[string]oracleSample

	running bool
	stopCh  chan struct{}
}

type oracleSample struct {
	price decimal.Decimal
	at    time.Time
}

// NewDriftClient creates the real adapter. slippageBps is the fixed tolerance
// attached to every order. Start must be called before use.
func NewDriftClient(baseURL, wsURL, subaccount string, slippageBps int) *DriftClient {
	return &DriftClient{
		baseURL:     baseURL,
		wsURL:       wsURL,
		subaccount:  subaccount,
		slippageBps: slippageBps,
		httpClient:  &http.Client{Timeout: readTimeout},
		positions:   make(map[string]Position),
		oracle:      make(map[string]oracleSample),
		stopCh:      make(chan struct{}),
	}
}

func (c *DriftClient) Mode() string { return ModeReal }

// Start verifies the trading subaccount and begins the account subscription.
// A missing subaccount surfaces ErrNoSubaccount so main can fall back to mock.
func (c *DriftClient) Start(ctx context.Context) error {
	var acct accountResponse
	status, err := c.get(ctx, fmt.Sprintf("/v2/user?subAccountId=%s", c.subaccount), &acct)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if status == http.StatusNotFound {
		return ErrNoSubaccount
	}
	c.applyAccount(&acct)

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	go c.runWebSocket()
	go c.oracleLoop()

	log.Info().
		Str("gateway", c.baseURL).
		Str("subaccount", c.subaccount).
		Msg("🏦 Drift gateway connected")
	return nil
}

func (c *DriftClient) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()
	close(c.stopCh)
}

func (c *DriftClient) isRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// OpenPosition submits a market order with the requested leverage.
func (c *DriftClient) OpenPosition(ctx context.Context, market, direction string, baseAmount, leverage decimal.Decimal) (*OpenResult, error) {
	ctx, cancel := context.WithTimeout(ctx, openCloseTimeout)
	defer cancel()

	req := map[string]any{
		"market":      market,
		"side":        sideFor(direction),
		"amount":      baseAmount.String(),
		"leverage":    leverage.StringFixed(1),
		"orderType":   "market",
		"slippageBps": c.slippageBps,
	}
	var resp orderResponse
	status, err := c.post(ctx, "/v2/orders", req, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrTransient, market, err)
	}
	if status >= 500 {
		return nil, fmt.Errorf("%w: open %s: gateway status %d", ErrTransient, market, status)
	}
	if status >= 400 {
		return nil, fmt.Errorf("open %s rejected: status %d", market, status)
	}

	entry, err := decimal.NewFromString(resp.FillPrice)
	if err != nil {
		return nil, fmt.Errorf("open %s: bad fill price %q: %w", market, resp.FillPrice, err)
	}

	c.mu.Lock()
	c.positions[market] = Position{
		Market:     market,
		Direction:  direction,
		BaseAmount: baseAmount,
		EntryPrice: entry,
	}
	c.mu.Unlock()

	log.Info().
		Str("market", market).
		Str("direction", direction).
		Str("amount", baseAmount.String()).
		Str("entry", entry.StringFixed(2)).
		Msg("📤 Position opened (LIVE)")

	return &OpenResult{TransactionID: resp.TxID, EntryPrice: entry}, nil
}

// ClosePosition flattens the position on a market and returns realized pnl.
func (c *DriftClient) ClosePosition(ctx context.Context, market string) (*CloseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, openCloseTimeout)
	defer cancel()

	req := map[string]any{"market": market, "reduceOnly": true}
	var resp closeResponse
	status, err := c.post(ctx, "/v2/positions/close", req, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: close %s: %v", ErrTransient, market, err)
	}
	if status >= 500 {
		return nil, fmt.Errorf("%w: close %s: gateway status %d", ErrTransient, market, status)
	}
	if status >= 400 {
		return nil, fmt.Errorf("close %s rejected: status %d", market, status)
	}

	exit, err := decimal.NewFromString(resp.FillPrice)
	if err != nil {
		return nil, fmt.Errorf("close %s: bad fill price %q: %w", market, resp.FillPrice, err)
	}
	pnl, err := decimal.NewFromString(resp.RealizedPnl)
	if err != nil {
		return nil, fmt.Errorf("close %s: bad pnl %q: %w", market, resp.RealizedPnl, err)
	}

	c.mu.Lock()
	delete(c.positions, market)
	c.mu.Unlock()

	log.Info().
		Str("market", market).
		Str("exit", exit.StringFixed(2)).
		Str("pnl", pnl.StringFixed(6)).
		Msg("📥 Position closed (LIVE)")

	return &CloseResult{
		TransactionID: resp.TxID,
		ExitPrice:     exit,
		RealizedPnl:   pnl.Shift(6).IntPart(),
	}, nil
}

func (c *DriftClient) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	c.mu.RLock()
	cached := c.account
	c.mu.RUnlock()
	if cached.Equity > 0 {
		info := cached
		return &info, nil
	}

	var acct accountResponse
	status, err := c.get(ctx, fmt.Sprintf("/v2/user?subAccountId=%s", c.subaccount), &acct)
	if err != nil || status >= 400 {
		return nil, fmt.Errorf("%w: account read failed (status %d): %v", ErrTransient, status, err)
	}
	c.applyAccount(&acct)

	c.mu.RLock()
	defer c.mu.RUnlock()
	info := c.account
	return &info, nil
}

func (c *DriftClient) GetOpenPositions(ctx context.Context) ([]Position, error) {
	var resp positionsResponse
	status, err := c.get(ctx, fmt.Sprintf("/v2/positions?subAccountId=%s", c.subaccount), &resp)
	if err != nil || status >= 400 {
		return nil, fmt.Errorf("%w: positions read failed (status %d): %v", ErrTransient, status, err)
	}

	out := make([]Position, 0, len(resp.Positions))
	c.mu.Lock()
	c.positions = make(map[string]Position, len(resp.Positions))
	for _, p := range resp.Positions {
		base, err := decimal.NewFromString(p.BaseAmount)
		if err != nil {
			continue
		}
		entry, err := decimal.NewFromString(p.EntryPrice)
		if err != nil {
			continue
		}
		dir := DirectionLong
		if base.IsNegative() {
			dir = DirectionShort
			base = base.Neg()
		}
		pos := Position{Market: p.Market, Direction: dir, BaseAmount: base, EntryPrice: entry}
		c.positions[p.Market] = pos
		out = append(out, pos)
	}
	c.mu.Unlock()
	return out, nil
}

// GetOraclePrice serves the drift oracle price from the poll cache.
func (c *DriftClient) GetOraclePrice(market string) (decimal.Decimal, error) {
	c.mu.RLock()
	s, ok := c.oracle[market]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no oracle sample for %s", ErrTransient, market)
	}
	return s.price, nil
}

// OraclePriceAt returns the cached sample with its timestamp.
func (c *DriftClient) OraclePriceAt(market string) (decimal.Decimal, time.Time, bool) {
	c.mu.RLock()
	s, ok := c.oracle[market]
	c.mu.RUnlock()
	return s.price, s.at, ok
}

// ─── internals ────────────────────────────────────────────────────────────────

type accountResponse struct {
	Equity         string `json:"equity"`
	FreeCollateral string `json:"freeCollateral"`
}

type orderResponse struct {
	TxID      string `json:"tx"`
	FillPrice string `json:"fillPrice"`
}

type closeResponse struct {
	TxID        string `json:"tx"`
	FillPrice   string `json:"fillPrice"`
	RealizedPnl string `json:"realizedPnl"`
}

type positionsResponse struct {
	Positions []struct {
		Market     string `json:"market"`
		BaseAmount string `json:"baseAssetAmount"`
		EntryPrice string `json:"entryPrice"`
	} `json:"positions"`
}

func (c *DriftClient) applyAccount(acct *accountResponse) {
	equity, err1 := decimal.NewFromString(acct.Equity)
	free, err2 := decimal.NewFromString(acct.FreeCollateral)
	if err1 != nil || err2 != nil {
		return
	}
	c.mu.Lock()
	c.account = AccountInfo{
		Equity:         equity.Shift(6).IntPart(),
		FreeCollateral: free.Shift(6).IntPart(),
	}
	c.mu.Unlock()
}

func (c *DriftClient) get(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode < 400 && out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *DriftClient) post(ctx context.Context, path string, payload, out any) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode < 400 && out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// runWebSocket keeps the account subscription alive, reconnecting on drops.
func (c *DriftClient) runWebSocket() {
	for c.isRunning() {
		if err := c.subscribe(); err != nil {
			log.Error().Err(err).Msg("Drift account subscription failed")
			select {
			case <-c.stopCh:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if c.isRunning() {
			log.Warn().Msg("Drift account stream disconnected, reconnecting...")
			time.Sleep(time.Second)
		}
	}
}

func (c *DriftClient) subscribe() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]any{
		"method":       "subscribe",
		"channel":      "user",
		"subAccountId": c.subaccount,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	for {
		select {
		case <-c.stopCh:
			return nil
		default:
		}

		var msg struct {
			Channel string          `json:"channel"`
			Data    json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Channel != "user" {
			continue
		}
		var acct accountResponse
		if err := json.Unmarshal(msg.Data, &acct); err == nil && acct.Equity != "" {
			c.applyAccount(&acct)
		}
	}
}

// oracleLoop polls the gateway oracle endpoint at 1 Hz for the markets we
// have touched plus BTC-PERP as a default.
func (c *DriftClient) oracleLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.fetchOracle("BTC-PERP")
			c.mu.RLock()
			markets := make([]string, 0, len(c.positions))
			for m := range c.positions {
				markets = append(markets, m)
			}
			c.mu.RUnlock()
			for _, m := range markets {
				if m != "BTC-PERP" {
					c.fetchOracle(m)
				}
			}
		}
	}
}

func (c *DriftClient) fetchOracle(market string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resp struct {
		Price string `json:"price"`
	}
	status, err := c.get(ctx, fmt.Sprintf("/v2/oracle?market=%s", market), &resp)
	if err != nil || status >= 400 {
		log.Debug().Err(err).Int("status", status).Str("market", market).Msg("oracle fetch failed")
		return
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.oracle[market] = oracleSample{price: price, at: time.Now()}
	c.mu.Unlock()
}

func sideFor(direction string) string {
	if direction == DirectionShort {
		return "sell"
	}
	return "buy"
}
