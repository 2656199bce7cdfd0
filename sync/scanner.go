package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/xcall"
)

const (
	defaultSyncInterval           = 5 * time.Second
	defaultSyncBlockChunkSize     = 100
	defaultMaxConsecutiveFailures = 5
)

// Watermarks persists the last fully processed height of every chain
type Watermarks interface {
	GetWatermark(ctx context.Context, chainID string) (uint64, bool, error)
	SetWatermark(ctx context.Context, chainID string, height uint64, now time.Time) error
	MinActiveWatermark(ctx context.Context, chainID string) (uint64, bool, error)
}

// EventSink stores the parsed events of a window and reconciles them
type EventSink interface {
	IngestEvents(ctx context.Context, chainID string, events []xcall.Event) (int, error)
	ReconcileChain(ctx context.Context, chainID string) (int, error)
	MarkChainStalled(ctx context.Context, chainID, reason string) error
	ClearChainStalled(ctx context.Context, chainID, reason string) error
}

// SourceChecker verifies the initiating transactions not yet observed on chain
type SourceChecker interface {
	CheckSourceTransactions(ctx context.Context, chainID string) error
}

// ScanMetrics receives the scanner measurements
type ScanMetrics interface {
	ChainHeight(chain string, height uint64)
	Watermark(chain string, height uint64)
	ScanFinished(chain string, took time.Duration, err error)
	EventStored(chain, kind string)
	ParseErrors(chain string, n int)
	Stalled(chain string, stalled bool)
}

type nopMetrics struct{}

func (nopMetrics) ChainHeight(string, uint64) {}
func (nopMetrics) Watermark(string, uint64) {}
func (nopMetrics) ScanFinished(string, time.Duration, error) {}
func (nopMetrics) EventStored(string, string) {}
func (nopMetrics) ParseErrors(string, int) {}
func (nopMetrics) Stalled(string, bool) {}

// ChainScanner follows one chain: it fetches the xcall logs of bounded windows above
// the watermark, stores the parsed events, reconciles the active messages and only then
// advances the watermark.
type ChainScanner struct {
	chainID  string
	lag      uint64
	chunk    uint64
	interval time.Duration
	lookback uint64
	maxFails int

	adapter    adapter.ReadAdapter
	watermarks Watermarks
	sink       EventSink
	sources    SourceChecker
	metrics    ScanMetrics
	log        *log.Logger
	now        func() time.Time

	watermark  uint64
	resumed    bool
	lastHeight uint64
	failures   int
	stalled    bool
}

func NewChainScanner(cfg Config, chain adapter.ChainConfig, a adapter.ReadAdapter, watermarks Watermarks,
	sink EventSink, sources SourceChecker, metrics ScanMetrics, logger *log.Logger) *ChainScanner {
	chunk := cfg.SyncBlockChunkSize
	if chain.SyncBlockChunkSize > 0 {
		chunk = chain.SyncBlockChunkSize
	}
	if chunk == 0 {
		chunk = defaultSyncBlockChunkSize
	}
	interval := cfg.SyncInterval.Duration
	if chain.SyncInterval.Duration > 0 {
		interval = chain.SyncInterval.Duration
	}
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	maxFails := cfg.MaxConsecutiveFailures
	if maxFails <= 0 {
		maxFails = defaultMaxConsecutiveFailures
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &ChainScanner{
		chainID:    chain.ID,
		lag:        chain.ConfirmationLag,
		chunk:      chunk,
		interval:   interval,
		lookback:   cfg.InitialLookback,
		maxFails:   maxFails,
		adapter:    a,
		watermarks: watermarks,
		sink:       sink,
		sources:    sources,
		metrics:    metrics,
		log:        logger.WithFields("chain", chain.ID),
		now:        time.Now,
	}
}

// ChainID returns the scanned chain
func (s *ChainScanner) ChainID() string {
	return s.chainID
}

// Run scans the chain every interval until ctx is done. Scan failures are never
// returned: they are retried on the next tick and escalated as stalled messages.
func (s *ChainScanner) Run(ctx context.Context) error {
	s.log.Infof("scanning every %s, window of %d heights, confirmation lag %d", s.interval, s.chunk, s.lag)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("scanner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one scan and keeps track of consecutive failures
func (s *ChainScanner) Tick(ctx context.Context) {
	start := s.now()
	_, err := s.Step(ctx)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ScanFinished(s.chainID, s.now().Sub(start), err)
	if err != nil {
		s.failures++
		if adapter.IsRetryable(err) {
			s.log.Warnf("scan failed (%d in a row), retrying next tick: %v", s.failures, err)
		} else {
			s.log.Errorf("scan failed (%d in a row): %v", s.failures, err)
		}
		if s.failures >= s.maxFails {
			// repeated while the outage lasts so messages created since are flagged too
			if errStall := s.sink.MarkChainStalled(ctx, s.chainID, s.stallReason()); errStall != nil {
				s.log.Errorf("flagging messages as stalled: %v", errStall)
				return
			}
			if !s.stalled {
				s.stalled = true
				s.metrics.Stalled(s.chainID, true)
			}
		}
		return
	}
	if s.failures > 0 {
		s.log.Infof("scan recovered after %d failures", s.failures)
	}
	s.failures = 0
	if s.stalled {
		if errClear := s.sink.ClearChainStalled(ctx, s.chainID, s.stallReason()); errClear != nil {
			s.log.Errorf("clearing stalled flags: %v", errClear)
			return
		}
		s.stalled = false
		s.metrics.Stalled(s.chainID, false)
	}
}

// Step processes at most one window above the watermark. The watermark only moves
// once the events of the window are stored and reconciled, so a failure at any stage
// makes the next step retry the same range.
func (s *ChainScanner) Step(ctx context.Context) (advanced bool, err error) {
	height, err := s.adapter.CurrentHeight(ctx)
	if err != nil {
		return false, fmt.Errorf("current height: %w", err)
	}
	if height < s.lastHeight {
		s.log.Debugf("node reported height %d behind %d", height, s.lastHeight)
	} else {
		s.lastHeight = height
		s.metrics.ChainHeight(s.chainID, height)
	}
	if err := s.resume(ctx, height); err != nil {
		return false, err
	}

	from, to, ok := s.window(height)
	if ok {
		if err := s.scan(ctx, from, to); err != nil {
			return false, err
		}
	}

	// messages created since the last tick may already have their events stored
	changed, err := s.sink.ReconcileChain(ctx, s.chainID)
	if err != nil {
		return false, fmt.Errorf("reconcile: %w", err)
	}
	if changed > 0 {
		s.log.Debugf("%d messages changed", changed)
	}
	if s.sources != nil {
		if err := s.sources.CheckSourceTransactions(ctx, s.chainID); err != nil {
			return false, fmt.Errorf("check source transactions: %w", err)
		}
	}
	if !ok {
		return false, nil
	}
	if err := s.watermarks.SetWatermark(ctx, s.chainID, to, s.now().UTC()); err != nil {
		return false, fmt.Errorf("set watermark %d: %w", to, err)
	}
	s.watermark = to
	s.metrics.Watermark(s.chainID, to)
	return true, nil
}

func (s *ChainScanner) scan(ctx context.Context, from, to uint64) error {
	s.log.Debugf("fetching logs from %d to %d", from, to)
	logs, err := s.adapter.FetchLogs(ctx, from, to)
	if err != nil {
		return fmt.Errorf("fetch logs [%d, %d]: %w", from, to, err)
	}
	events, parseErrs := s.adapter.Parse(logs)
	for _, perr := range parseErrs {
		s.log.Warnw("log skipped", "tx", perr.TxHash, "index", perr.Index, "kind", perr.Kind, "err", perr.Err)
	}
	if len(parseErrs) > 0 {
		s.metrics.ParseErrors(s.chainID, len(parseErrs))
	}
	if len(events) == 0 {
		return nil
	}
	stored, err := s.sink.IngestEvents(ctx, s.chainID, events)
	if err != nil {
		return fmt.Errorf("store events: %w", err)
	}
	for _, ev := range events {
		s.metrics.EventStored(s.chainID, string(ev.Kind))
	}
	s.log.Debugf("%d events in [%d, %d], %d new", len(events), from, to, stored)
	return nil
}

// resume loads the starting point once: the persisted watermark, else the lowest
// watermark of the active messages touching the chain, else a lookback from height.
func (s *ChainScanner) resume(ctx context.Context, height uint64) error {
	if s.resumed {
		return nil
	}
	wm, ok, err := s.watermarks.GetWatermark(ctx, s.chainID)
	if err != nil {
		return fmt.Errorf("get watermark: %w", err)
	}
	origin := "persisted watermark"
	if !ok {
		wm, ok, err = s.watermarks.MinActiveWatermark(ctx, s.chainID)
		if err != nil {
			return fmt.Errorf("min active watermark: %w", err)
		}
		origin = "active messages"
	}
	if !ok {
		wm = 0
		if height > s.lookback {
			wm = height - s.lookback
		}
		origin = "current height"
	}
	s.watermark = wm
	s.resumed = true
	s.log.Infof("resuming from %d (%s)", wm, origin)
	return nil
}

// window returns [watermark+1, min(height-lag, watermark+chunk)]
func (s *ChainScanner) window(height uint64) (from, to uint64, ok bool) {
	if height < s.lag {
		return 0, 0, false
	}
	safe := height - s.lag
	if safe <= s.watermark {
		return 0, 0, false
	}
	from = s.watermark + 1
	to = s.watermark + s.chunk
	if to > safe {
		to = safe
	}
	return from, to, true
}

func (s *ChainScanner) stallReason() string {
	return fmt.Sprintf("%s not reachable", s.chainID)
}
