// Package oracle maintains the latest price per tracked symbol. The primary
// source is the venue's on-chain perp oracle; a Binance WebSocket stream and
// a Binance REST poll act as fallbacks. Every sample carries a source tag.
package oracle

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/swarmpool/internal/bus"
)

// Source tags
const (
	SourceDrift       = "drift-oracle"
	SourceBinanceWS   = "binance-ws"
	SourceBinanceREST = "binance-rest"
)

const (
	binanceWSURL   = "wss://stream.binance.com:9443/stream"
	binanceRESTURL = "https://api.binance.com/api/v3/ticker/price"
	pollInterval   = time.Second // >= 0.5 Hz per sample contract
	sourceFreshFor = 5 * time.Second
)

// Sample is one observed price.
type Sample struct {
	Symbol    string
	Price     decimal.Decimal
	Source    string
	At        time.Time
	Change24h decimal.Decimal
}

// ErrNoSample is wrapped when no source has produced a price yet.
var ErrNoSample = fmt.Errorf("no price sample")

// DriftSource is the slice of the DEX adapter the oracle reads from.
type DriftSource interface {
	OraclePriceAt(market string) (decimal.Decimal, time.Time, bool)
}

// Oracle merges the three feeds into one latest-sample view per symbol.
type Oracle struct {
	mu      sync.RWMutex
	symbols []string // base coins, e.g. ["BTC"]
	drift   DriftSource
	bus     *bus.Bus

	latest map[string]Sample // canonical per symbol
	ws     map[string]Sample // binance-ws shadow
	change map[string]decimal.Decimal

	httpClient *http.Client
	running    bool
	stopCh     chan struct{}
}

// New creates an oracle for the given base coins. drift may be nil (mock-only
// deployments fall back to Binance).
func New(symbols []string, drift DriftSource, b *bus.Bus) *Oracle {
	return &Oracle{
		symbols:    symbols,
		drift:      drift,
		bus:        b,
		latest:     make(map[string]Sample),
		ws:         make(map[string]Sample),
		change:     make(map[string]decimal.Decimal),
		httpClient: &http.Client{Timeout: 2 * time.Second},
		stopCh:     make(chan struct{}),
	}
}

func (o *Oracle) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	go o.runWebSocket()
	go o.pollLoop()

	log.Info().Strs("symbols", o.symbols).Msg("📈 Price oracle started")
}

func (o *Oracle) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()
	close(o.stopCh)
	log.Info().Msg("Price oracle stopped")
}

func (o *Oracle) isRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// Latest returns the freshest sample for a base coin. Callers enforce their
// own staleness bound on Sample.At.
func (o *Oracle) Latest(symbol string) (Sample, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.latest[symbol]
	if !ok {
		return Sample{}, fmt.Errorf("%w for %s", ErrNoSample, symbol)
	}
	return s, nil
}

// Inject overrides the canonical sample; used by deterministic replays.
func (o *Oracle) Inject(s Sample) {
	o.mu.Lock()
	o.latest[s.Symbol] = s
	o.mu.Unlock()
}

// pollLoop refreshes the canonical sample once per second: drift oracle when
// fresh, then the WebSocket shadow, then a REST fetch as last resort.
func (o *Oracle) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	o.refreshAll()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.refreshAll()
		}
	}
}

func (o *Oracle) refreshAll() {
	now := time.Now()
	for _, symbol := range o.symbols {
		var sample Sample
		found := false

		if o.drift != nil {
			if price, at, ok := o.drift.OraclePriceAt(symbol + "-PERP"); ok && now.Sub(at) < sourceFreshFor {
				sample = Sample{Symbol: symbol, Price: price, Source: SourceDrift, At: at}
				found = true
			}
		}
		if !found {
			o.mu.RLock()
			ws, ok := o.ws[symbol]
			o.mu.RUnlock()
			if ok && now.Sub(ws.At) < sourceFreshFor {
				sample = ws
				found = true
			}
		}
		if !found {
			price, err := o.fetchREST(symbol)
			if err != nil {
				log.Debug().Err(err).Str("symbol", symbol).Msg("REST price fetch failed")
				continue
			}
			sample = Sample{Symbol: symbol, Price: price, Source: SourceBinanceREST, At: time.Now()}
		}

		o.mu.Lock()
		sample.Change24h = o.change[symbol]
		prev := o.latest[symbol]
		o.latest[symbol] = sample
		o.mu.Unlock()

		if o.bus != nil && !sample.Price.Equal(prev.Price) {
			o.bus.Publish(bus.Event{
				Type: bus.EventPriceUpdate,
				Payload: bus.PriceUpdate{
					Symbol:    sample.Symbol,
					Price:     sample.Price,
					Change24h: sample.Change24h,
					Source:    sample.Source,
				},
			})
		}
	}
}

func (o *Oracle) fetchREST(symbol string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s?symbol=%sUSDT", binanceRESTURL, symbol)
	resp, err := o.httpClient.Get(url)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}
	var result struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(result.Price)
}

// runWebSocket keeps the combined miniTicker stream alive.
func (o *Oracle) runWebSocket() {
	for o.isRunning() {
		if err := o.streamOnce(); err != nil {
			log.Debug().Err(err).Msg("Binance stream error")
		}
		select {
		case <-o.stopCh:
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (o *Oracle) streamOnce() error {
	streams := make([]string, 0, len(o.symbols))
	for _, s := range o.symbols {
		streams = append(streams, strings.ToLower(s)+"usdt@miniTicker")
	}
	url := fmt.Sprintf("%s?streams=%s", binanceWSURL, strings.Join(streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info().Strs("symbols", o.symbols).Msg("Binance miniTicker stream connected")

	for {
		select {
		case <-o.stopCh:
			return nil
		default:
		}

		var frame struct {
			Data struct {
				Symbol string `json:"s"`
				Close  string `json:"c"`
				Open   string `json:"o"`
			} `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}

		base := strings.TrimSuffix(frame.Data.Symbol, "USDT")
		price, err := decimal.NewFromString(frame.Data.Close)
		if err != nil {
			continue
		}

		o.mu.Lock()
		o.ws[base] = Sample{Symbol: base, Price: price, Source: SourceBinanceWS, At: time.Now()}
		if open, err := decimal.NewFromString(frame.Data.Open); err == nil && !open.IsZero() {
			o.change[base] = price.Sub(open).Div(open).Mul(decimal.NewFromInt(100)).Round(2)
		}
		o.mu.Unlock()
	}
}
