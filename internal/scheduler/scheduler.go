// Package scheduler drives the four-stage synchronization pipeline (change
// detection → metadata ingestion → content acquisition → remote
// projection) on a fixed polling period, the single place the core's five
// components are wired together.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hkdb/syncd/internal/fetcher"
	"github.com/hkdb/syncd/internal/logging"
	"github.com/hkdb/syncd/internal/parser"
	"github.com/hkdb/syncd/internal/projector"
	"github.com/hkdb/syncd/internal/radar"
	"github.com/hkdb/syncd/internal/remote"
	"github.com/hkdb/syncd/internal/state"
)

// Config configures the Scheduler's cycle behavior.
type Config struct {
	// PollInterval is the fixed period between cycles (default 5s).
	PollInterval time.Duration

	// RetryBatchSize caps ready_for_retry processing per cycle (default 3).
	RetryBatchSize int

	// DetectionBatchSize caps how many newly detected rows are upserted and
	// advance the checkpoint per cycle; 0 means unbounded.
	DetectionBatchSize int

	// SyncMailboxes restricts the Radar to these mailbox names; empty means
	// all mailboxes.
	SyncMailboxes []string

	// SyncHorizon, when non-zero, causes fetched records received before it
	// to be marked skipped rather than projected.
	SyncHorizon time.Time

	// ParseOptions configures the Parser's attachment size/extension gates.
	ParseOptions parser.Options

	// MaxConsecutiveAuthFailures is how many consecutive remote
	// authentication failures across cycles trigger a fatal stop,
	// surfaced by main as exit code 3.
	MaxConsecutiveAuthFailures int
}

// Scheduler is the single-process driver of the synchronization pipeline
// and the sole writer of the State Store.
type Scheduler struct {
	radar      *radar.Radar
	store      *state.Store
	fetcher    *fetcher.Fetcher
	projector  *projector.Projector
	cfg        Config
	log        zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
	done      chan struct{}

	consecutiveAuthFailures int

	// FatalErr is set and the run loop stops once
	// MaxConsecutiveAuthFailures is reached; the caller checks it
	// after Stop to decide on exit code 3.
	fatalErr   error
	fatalErrMu sync.Mutex
}

// New constructs a Scheduler wired to the four pipeline components and the
// State Store.
func New(r *radar.Radar, store *state.Store, f *fetcher.Fetcher, p *projector.Projector, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RetryBatchSize <= 0 {
		cfg.RetryBatchSize = 3
	}
	if cfg.MaxConsecutiveAuthFailures <= 0 {
		cfg.MaxConsecutiveAuthFailures = 5
	}
	return &Scheduler{
		radar:     r,
		store:     store,
		fetcher:   f,
		projector: p,
		cfg:       cfg,
		log:       logging.WithComponent("scheduler"),
	}
}

// Start runs the scheduler loop in a background goroutine until ctx is
// cancelled or a fatal error stops it.
func (s *Scheduler) Start(ctx context.Context) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		s.log.Warn().Msg("scheduler already running")
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.done = make(chan struct{})

	s.wg.Add(1)
	go s.run()
}

// Done returns a channel closed when the run loop exits, whether from Stop,
// context cancellation, or a fatal error. Callers use it to notice a fatal
// stop without waiting for an external signal. Valid only after Start.
func (s *Scheduler) Done() <-chan struct{} {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.done
}

// Stop cancels the scheduler loop and waits for the in-flight cycle to
// finish.
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
}

// FatalErr returns the error that stopped the scheduler early, if any.
func (s *Scheduler) FatalErr() error {
	s.fatalErrMu.Lock()
	defer s.fatalErrMu.Unlock()
	return s.fatalErr
}

func (s *Scheduler) setFatalErr(err error) {
	s.fatalErrMu.Lock()
	s.fatalErr = err
	s.fatalErrMu.Unlock()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	defer close(s.done)

	s.runCycle()
	if s.FatalErr() != nil {
		s.log.Error().Err(s.FatalErr()).Msg("scheduler stopping after fatal error")
		return
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCycle()
			if s.FatalErr() != nil {
				s.log.Error().Err(s.FatalErr()).Msg("scheduler stopping after fatal error")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// runCycle performs one poll cycle: Radar sweep → upsert detections →
// drain pending → drain fetched → process ready_for_retry.
func (s *Scheduler) runCycle() {
	s.log.Debug().Msg("cycle starting")

	if err := s.sweep(); err != nil {
		// I/O failure on the read-only index defers the cycle entirely; no
		// state is mutated.
		s.log.Warn().Err(err).Msg("radar sweep failed, deferring cycle")
		return
	}

	s.drainPending()
	s.drainFetched()
	s.processRetries()

	s.log.Debug().Msg("cycle complete")
}

// sweep implements "Radar sweep → upsert detections", capping the
// number of rows it advances the checkpoint past per cycle by
// DetectionBatchSize.
func (s *Scheduler) sweep() error {
	lastMax, err := s.store.GetLastMaxRowID()
	if err != nil {
		return err
	}

	currentMax, err := s.radar.CurrentMaxRowID()
	if err != nil {
		return err
	}
	if currentMax <= lastMax {
		return nil
	}

	rows, err := s.radar.NewRowsSince(lastMax, s.cfg.SyncMailboxes)
	if err != nil {
		return err
	}

	limit := len(rows)
	if s.cfg.DetectionBatchSize > 0 && s.cfg.DetectionBatchSize < limit {
		limit = s.cfg.DetectionBatchSize
	}

	checkpoint := lastMax
	if limit == len(rows) {
		// Every detected row (filtered by mailbox) was processed; advance
		// past any rows the mailbox filter silently skipped too.
		checkpoint = currentMax
	}

	for _, row := range rows[:limit] {
		if err := s.store.UpsertOnDetect(row.ToDetectedMeta()); err != nil {
			return err
		}
		if limit < len(rows) {
			checkpoint = row.InternalID
		}
	}

	return s.store.SetLastMaxRowID(checkpoint)
}

// drainPending processes records just detected this cycle or a prior one,
// ascending by internal_id so anchors are fetched before their replies.
func (s *Scheduler) drainPending() {
	recs, err := s.store.Pending()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list pending records")
		return
	}
	for _, rec := range recs {
		if s.ctx.Err() != nil {
			return
		}
		s.processOne(rec)
	}
}

// drainFetched re-processes records that reached StatusFetched in a prior
// cycle (or before a crash) but were never projected. The raw message
// source is not persisted in the State Store, so this is a
// bounded re-fetch, not a resume from cached bytes.
func (s *Scheduler) drainFetched() {
	recs, err := s.store.FetchedPending()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list fetched-pending records")
		return
	}
	for _, rec := range recs {
		if s.ctx.Err() != nil {
			return
		}
		s.processOne(rec)
	}
}

// processRetries handles ready_for_retry, capped at RetryBatchSize per
// cycle. The batch is bounded to a single
// concurrent slot via errgroup: retries carry no ordering relationship to
// each other the way fresh detections do, but the Fetcher's own
// single-outstanding-request discipline makes true concurrency
// here pointless anyway.
func (s *Scheduler) processRetries() {
	recs, err := s.store.ReadyForRetry(s.cfg.RetryBatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list retry-ready records")
		return
	}

	g, ctx := errgroup.WithContext(s.ctx)
	g.SetLimit(1)
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.processOne(rec)
			return nil
		})
	}
	_ = g.Wait()
}

// processOne runs fetch → parse → project for a single record, recording
// each failure kind as its corresponding state transition.
func (s *Scheduler) processOne(rec state.Record) {
	// trace_id ties together this record's fetch/parse/project log lines
	// within one cycle.
	log := s.log.With().
		Int64("internal_id", rec.InternalID).
		Str("mailbox", rec.Mailbox).
		Str("trace_id", uuid.New().String()).
		Logger()

	summary, err := s.fetcher.Fetch(s.ctx, rec.InternalID, rec.Mailbox)
	if err != nil {
		if errors.Is(err, fetcher.ErrVanished) {
			log.Info().Msg("message vanished from mail store, deleting record")
			if err := s.store.Delete(rec.InternalID); err != nil {
				log.Error().Err(err).Msg("failed to delete vanished record")
			}
			return
		}
		log.Warn().Err(err).Msg("fetch failed")
		if err := s.store.MarkFetchFailed(rec.InternalID, err.Error()); err != nil {
			log.Error().Err(err).Msg("failed to mark fetch failed")
		}
		return
	}

	msg, err := parser.Parse(summary.Source, s.cfg.ParseOptions)
	if err != nil {
		log.Warn().Err(err).Msg("parse failed")
		if err := s.store.MarkFailed(rec.InternalID, err.Error()); err != nil {
			log.Error().Err(err).Msg("failed to mark failed")
		}
		return
	}
	defer func() {
		if err := parser.CleanupWorkDir(s.cfg.ParseOptions.TempDir, msg.MessageID); err != nil {
			log.Debug().Err(err).Msg("failed to clean message working directory")
		}
	}()

	if err := s.store.UpdateAfterFetch(rec.InternalID, toFetchedHeaders(msg, summary)); err != nil {
		log.Error().Err(err).Msg("failed to record fetched headers")
		return
	}

	if !s.cfg.SyncHorizon.IsZero() && rec.DateReceived.Before(s.cfg.SyncHorizon) {
		if err := s.store.MarkSkipped(rec.InternalID, "received before sync horizon"); err != nil {
			log.Error().Err(err).Msg("failed to mark skipped")
		}
		return
	}

	rec.HasAttachments = len(msg.Attachments) > 0 || len(msg.InlineImages) > 0

	if err := s.projector.Project(s.ctx, rec, msg, summary.Source); err != nil {
		log.Warn().Err(err).Msg("project failed")
		if errors.Is(err, remote.ErrAuthFailed) {
			s.consecutiveAuthFailures++
			if s.consecutiveAuthFailures >= s.cfg.MaxConsecutiveAuthFailures {
				s.setFatalErr(err)
			}
		} else {
			s.consecutiveAuthFailures = 0
		}
		if err := s.store.MarkFailed(rec.InternalID, err.Error()); err != nil {
			log.Error().Err(err).Msg("failed to mark failed")
		}
		return
	}

	s.consecutiveAuthFailures = 0
}

// toFetchedHeaders builds the State Store's authoritative header update
// from the parsed message (subject/sender/thread linkage) and the
// scripting channel's flags, which the Parser does not itself observe.
func toFetchedHeaders(msg *parser.Message, summary fetcher.Summary) state.FetchedHeaders {
	messageID := msg.MessageID
	if messageID == "" {
		messageID = summary.MessageID
	}
	subject := msg.Subject
	if subject == "" {
		subject = summary.Subject
	}
	senderAddress := msg.SenderAddress
	if senderAddress == "" {
		senderAddress = summary.Sender
	}
	toList := msg.ToList
	if toList == "" {
		toList = summary.To
	}
	ccList := msg.CcList
	if ccList == "" {
		ccList = summary.Cc
	}

	return state.FetchedHeaders{
		MessageID:      messageID,
		ThreadID:       msg.ThreadID,
		Subject:        subject,
		SenderAddress:  senderAddress,
		SenderDisplay:  msg.SenderDisplay,
		ToList:         toList,
		CcList:         ccList,
		IsRead:         summary.IsRead,
		IsFlagged:      summary.IsFlagged,
		HasAttachments: len(msg.Attachments) > 0 || len(msg.InlineImages) > 0,
	}
}
