// Package pipeline turns intercepted messages into enriched, persisted
// events. A single worker drains a bounded queue so storage, broadcast, and
// alert evaluation never block the proxy's forwarding path.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/mcplens/mcplens/internal/alert"
	"github.com/mcplens/mcplens/internal/intercept"
	"github.com/mcplens/mcplens/internal/metrics"
	"github.com/mcplens/mcplens/internal/session"
	"github.com/mcplens/mcplens/internal/store"
	"github.com/mcplens/mcplens/internal/ws"
	"github.com/mcplens/mcplens/pkg/types"
)

// maxQueueSize bounds buffered work. New events are dropped, not blocked,
// when the consumer falls behind.
const maxQueueSize = 10000

// Broadcaster pushes enriched events to a user's live channel clients.
type Broadcaster interface {
	BroadcastToUser(userID string, frame ws.Frame)
}

type item struct {
	msg       *intercept.Message
	sessionID string
	userID    string

	// flush, when set, marks a synchronization barrier instead of work.
	flush chan struct{}
}

type Config struct {
	// MaxEventsPerSession caps persisted events per session. Events past
	// the cap are counted and dropped.
	MaxEventsPerSession int

	// Rates price the token estimates.
	Rates types.CostRates
}

type Pipeline struct {
	store       store.Store
	sessions    *session.Manager
	evaluator   *alert.Evaluator
	broadcaster Broadcaster
	metrics     *metrics.Collector
	logger      *slog.Logger

	maxEventsPerSession int

	ratesMu sync.RWMutex
	rates   types.CostRates

	countsMu sync.Mutex
	counts   map[string]int

	queue   chan item
	stopped atomic.Bool
	done    chan struct{}
}

func New(cfg Config, st store.Store, sessions *session.Manager, evaluator *alert.Evaluator, broadcaster Broadcaster, collector *metrics.Collector, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEventsPerSession <= 0 {
		cfg.MaxEventsPerSession = 1000
	}
	if cfg.Rates.InputPer1kTokens == 0 && cfg.Rates.OutputPer1kTokens == 0 {
		cfg.Rates = types.CostRates{InputPer1kTokens: 0.003, OutputPer1kTokens: 0.015}
	}
	return &Pipeline{
		store:               st,
		sessions:            sessions,
		evaluator:           evaluator,
		broadcaster:         broadcaster,
		metrics:             collector,
		logger:              logger,
		maxEventsPerSession: cfg.MaxEventsPerSession,
		rates:               cfg.Rates,
		counts:              make(map[string]int),
		queue:               make(chan item, maxQueueSize),
		done:                make(chan struct{}),
	}
}

// Start runs the worker until ctx is canceled or Stop is called.
func (p *Pipeline) Start(ctx context.Context) {
	go p.worker(ctx)
}

func (p *Pipeline) worker(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-p.queue:
			if !ok {
				return
			}
			if it.flush != nil {
				close(it.flush)
				continue
			}
			p.processItem(ctx, it)
		}
	}
}

// Process enqueues a matched message. A full queue drops the message rather
// than stalling the caller.
func (p *Pipeline) Process(msg *intercept.Message, sessionID, userID string) {
	if p.stopped.Load() {
		return
	}
	select {
	case p.queue <- item{msg: msg, sessionID: sessionID, userID: userID}:
	default:
		p.metrics.IncEventDroppedQueueFull()
		p.logger.Debug("pipeline queue full, dropping event", "session_id", sessionID)
	}
}

func (p *Pipeline) processItem(ctx context.Context, it item) {
	p.countsMu.Lock()
	count := p.counts[it.sessionID]
	p.countsMu.Unlock()
	if count >= p.maxEventsPerSession {
		p.metrics.IncEventDroppedSessionCap()
		p.logger.Debug("session reached event cap, dropping event",
			"session_id", it.sessionID, "cap", p.maxEventsPerSession)
		return
	}

	msg := it.msg
	tokens := EstimateTokens(msg.Raw)
	cost := p.estimateCost(tokens, msg.Direction)

	event, err := p.store.CreateEvent(ctx, types.Event{
		SessionID:     it.sessionID,
		Timestamp:     msg.Timestamp,
		Direction:     msg.Direction,
		Method:        msg.Method,
		ToolName:      msg.ToolName,
		Params:        msg.Envelope.Params,
		Result:        msg.Envelope.Result,
		Error:         rpcError(msg),
		LatencyMs:     msg.LatencyMs,
		TokenEstimate: tokens,
		CostEstimate:  cost,
	})
	if err != nil {
		p.logger.Warn("persisting event failed", "session_id", it.sessionID, "error", err)
		return
	}

	p.countsMu.Lock()
	p.counts[it.sessionID] = count + 1
	p.countsMu.Unlock()

	if cost > 0 {
		if err := p.store.UpdateSessionCost(ctx, it.sessionID, cost); err != nil {
			p.logger.Warn("updating session cost failed", "session_id", it.sessionID, "error", err)
		}
		p.sessions.AddCost(it.sessionID, cost)
	}

	if p.broadcaster != nil && it.userID != "" {
		p.broadcaster.BroadcastToUser(it.userID, ws.EventFrame(event))
	}

	if p.evaluator != nil {
		p.evaluator.Evaluate(ctx, event, it.sessionID, it.userID)
	}
	p.metrics.IncEventProcessed()
}

// rpcError surfaces the response error object, if any, as the event error.
func rpcError(msg *intercept.Message) any {
	if msg.Envelope.Error == nil {
		return nil
	}
	return msg.Envelope.Error
}

// Flush blocks until every event queued before the call has been processed.
func (p *Pipeline) Flush(ctx context.Context) error {
	if p.stopped.Load() {
		return errors.New("pipeline stopped")
	}
	barrier := make(chan struct{})
	select {
	case p.queue <- item{flush: barrier}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return errors.New("pipeline stopped")
	}
}

// Stop drains outstanding work and shuts the worker down.
func (p *Pipeline) Stop(ctx context.Context) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(p.queue)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearSessionCount forgets the event count for an ended session.
func (p *Pipeline) ClearSessionCount(sessionID string) {
	p.countsMu.Lock()
	delete(p.counts, sessionID)
	p.countsMu.Unlock()
}

// SetCostRates swaps the pricing used for subsequent events.
func (p *Pipeline) SetCostRates(rates types.CostRates) {
	p.ratesMu.Lock()
	p.rates = rates
	p.ratesMu.Unlock()
}

// Rates returns the pricing currently in effect.
func (p *Pipeline) Rates() types.CostRates {
	p.ratesMu.RLock()
	defer p.ratesMu.RUnlock()
	return p.rates
}

// EstimateTokens approximates the token count of a raw message at four
// bytes per token.
func EstimateTokens(raw []byte) int {
	return int(math.Ceil(float64(len(raw)) / 4))
}

func (p *Pipeline) estimateCost(tokens int, dir types.Direction) float64 {
	p.ratesMu.RLock()
	rates := p.rates
	p.ratesMu.RUnlock()

	rate := rates.OutputPer1kTokens
	if dir == types.DirectionRequest {
		rate = rates.InputPer1kTokens
	}
	return float64(tokens) / 1000 * rate
}
