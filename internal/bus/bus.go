// Package bus is the typed broadcast layer between the orchestrator and
// connected clients. Delivery is best-effort: every subscriber owns a bounded
// queue and slow consumers lose events instead of back-pressuring producers.
package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// EventType identifies a broadcast event.
type EventType string

const (
	EventRunUpdate   EventType = "RUN_UPDATE"
	EventVoteUpdate  EventType = "VOTE_UPDATE"
	EventTradeUpdate EventType = "TRADE_UPDATE"
	EventPriceUpdate EventType = "PRICE_UPDATE"
	EventChatMessage EventType = "CHAT_MESSAGE"
)

// DefaultQueueSize bounds each subscriber's queue.
const DefaultQueueSize = 64

// Event is the envelope delivered to subscribers. Seq is a per-run counter;
// events for one run are strictly ordered by it.
type Event struct {
	Type    EventType
	RunID   string // empty for global events (e.g. price ticks)
	Seq     uint64
	At      time.Time
	Payload any
}

// Payloads

type RunUpdate struct {
	RunID        string `json:"runId"`
	Status       string `json:"status"`
	CurrentRound int    `json:"currentRound"`
	Countdown    int    `json:"countdown,omitempty"`
	TotalPool    int64  `json:"totalPool"`
}

type VoteUpdate struct {
	RunID         string `json:"runId"`
	Round         int    `json:"round"`
	Long          int    `json:"long"`
	Short         int    `json:"short"`
	Skip          int    `json:"skip"`
	TimeRemaining int    `json:"timeRemaining"`
}

type TradeUpdate struct {
	RunID         string          `json:"runId"`
	Round         int             `json:"round"`
	Direction     string          `json:"direction"`
	Leverage      int             `json:"leverage"`
	PositionSize  int             `json:"positionSize"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	ExitPrice     decimal.Decimal `json:"exitPrice"`
	Pnl           int64           `json:"pnl"`
	PnlPercentage decimal.Decimal `json:"pnlPercentage"`
}

type PriceUpdate struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change24h"`
	Source    string          `json:"source"`
}

type ChatMessage struct {
	RunID  string `json:"runId"`
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

// SnapshotFunc produces the current run snapshot delivered as the first
// message after a (re)subscribe.
type SnapshotFunc func(runID string) (Event, bool)

// Subscription is a handle to a subscriber queue.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	runID string
	bus   *Bus
}

// Close detaches the subscriber from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus fans events out to per-run and global subscribers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscription]struct{}
	seqByRun map[string]uint64
	snapshot SnapshotFunc
	queue    int
	dropped  uint64
}

func New() *Bus {
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		seqByRun: make(map[string]uint64),
		queue:    DefaultQueueSize,
	}
}

// SetSnapshotFunc wires the run snapshot provider. Set once at startup.
func (b *Bus) SetSnapshotFunc(fn SnapshotFunc) {
	b.mu.Lock()
	b.snapshot = fn
	b.mu.Unlock()
}

// Subscribe registers a subscriber. An empty runID receives every event;
// otherwise only events for that run plus global events are delivered. When a
// run is named, its current snapshot is queued first.
func (b *Bus) Subscribe(runID string) *Subscription {
	sub := &Subscription{
		ch:    make(chan Event, b.queue),
		runID: runID,
		bus:   b,
	}
	sub.C = sub.ch

	b.mu.Lock()
	if runID != "" && b.snapshot != nil {
		if evt, ok := b.snapshot(runID); ok {
			sub.ch <- evt
		}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish stamps the event with a per-run sequence number and fans it out.
// Never blocks: a full subscriber queue drops the event and bumps a counter.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	if evt.RunID != "" {
		b.seqByRun[evt.RunID]++
		evt.Seq = b.seqByRun[evt.RunID]
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	for sub := range b.subs {
		if sub.runID != "" && evt.RunID != "" && sub.runID != evt.RunID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped++
			if b.dropped%100 == 1 {
				log.Warn().Uint64("dropped", b.dropped).Str("type", string(evt.Type)).Msg("slow subscriber, dropping events")
			}
		}
	}
	b.mu.Unlock()
}

// Dropped returns how many events were discarded on full queues.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
