package oracle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/swarmpool/internal/bus"
)

type driftStub struct {
	price decimal.Decimal
	at    time.Time
	ok    bool
}

func (d *driftStub) OraclePriceAt(market string) (decimal.Decimal, time.Time, bool) {
	return d.price, d.at, d.ok
}

func TestStartStop_Idempotent(t *testing.T) {
	o := New([]string{"BTC"}, nil, nil)
	o.Start()
	o.Start() // repeat start is a no-op
	o.Stop()
	o.Stop() // repeat stop must not close the channel twice
}

func TestLatest_NoSample(t *testing.T) {
	o := New([]string{"BTC"}, nil, nil)
	_, err := o.Latest("BTC")
	assert.ErrorIs(t, err, ErrNoSample)
}

func TestInject_OverridesCanonical(t *testing.T) {
	o := New([]string{"BTC"}, nil, nil)
	at := time.Now()
	o.Inject(Sample{Symbol: "BTC", Price: decimal.NewFromInt(42_000), Source: SourceDrift, At: at})

	s, err := o.Latest("BTC")
	require.NoError(t, err)
	assert.True(t, s.Price.Equal(decimal.NewFromInt(42_000)))
	assert.Equal(t, SourceDrift, s.Source)
	assert.Equal(t, at, s.At)
}

func TestRefresh_PrefersFreshDrift(t *testing.T) {
	drift := &driftStub{price: decimal.NewFromInt(50_000), at: time.Now(), ok: true}
	o := New([]string{"BTC"}, drift, nil)

	// Seed a ws shadow that must lose to the fresh drift sample
	o.mu.Lock()
	o.ws["BTC"] = Sample{Symbol: "BTC", Price: decimal.NewFromInt(49_000), Source: SourceBinanceWS, At: time.Now()}
	o.mu.Unlock()

	o.refreshAll()

	s, err := o.Latest("BTC")
	require.NoError(t, err)
	assert.Equal(t, SourceDrift, s.Source)
	assert.True(t, s.Price.Equal(decimal.NewFromInt(50_000)))
}

func TestRefresh_FallsBackToWsShadow(t *testing.T) {
	// Drift present but stale: the shadow wins
	drift := &driftStub{price: decimal.NewFromInt(50_000), at: time.Now().Add(-time.Minute), ok: true}
	o := New([]string{"BTC"}, drift, nil)

	o.mu.Lock()
	o.ws["BTC"] = Sample{Symbol: "BTC", Price: decimal.NewFromInt(49_500), Source: SourceBinanceWS, At: time.Now()}
	o.change["BTC"] = decimal.RequireFromString("1.25")
	o.mu.Unlock()

	o.refreshAll()

	s, err := o.Latest("BTC")
	require.NoError(t, err)
	assert.Equal(t, SourceBinanceWS, s.Source)
	assert.True(t, s.Change24h.Equal(decimal.RequireFromString("1.25")))
}

func TestRefresh_PublishesOnChange(t *testing.T) {
	drift := &driftStub{price: decimal.NewFromInt(50_000), at: time.Now(), ok: true}
	b := bus.New()
	sub := b.Subscribe("")
	defer sub.Close()

	o := New([]string{"BTC"}, drift, b)
	o.refreshAll()
	o.refreshAll() // unchanged price publishes nothing

	var events []bus.Event
	for {
		select {
		case evt := <-sub.C:
			events = append(events, evt)
			continue
		default:
		}
		break
	}
	require.Len(t, events, 1)
	assert.Equal(t, bus.EventPriceUpdate, events[0].Type)
	upd, ok := events[0].Payload.(bus.PriceUpdate)
	require.True(t, ok)
	assert.Equal(t, "BTC", upd.Symbol)
	assert.Equal(t, SourceDrift, upd.Source)
}
