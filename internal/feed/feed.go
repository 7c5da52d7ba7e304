// Package feed normalizes inbound source records into canonical events on
// the log. Each source has a normalizer; the service around them handles
// schema validation, in-batch dedup, throttling, batch bookkeeping and
// reprocessing.
package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/bus"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/log"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/metrics"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/refdata"
)

// RawRecord is the wire shape every feed shares: routing envelope plus a
// source-specific payload.
type RawRecord struct {
	Source         string          `json:"source"`
	ExternalID     string          `json:"externalId"`
	IdentifierType string          `json:"identifierType"`
	RecordType     string          `json:"recordType,omitempty"`
	EventTime      time.Time       `json:"eventTime"`
	Payload        json.RawMessage `json:"payload"`
}

// Validate enforces the shared schema.
func (r *RawRecord) Validate() error {
	if r.Source == "" {
		return fmt.Errorf("record missing source")
	}
	if r.ExternalID == "" {
		return fmt.Errorf("record missing externalId")
	}
	if r.IdentifierType == "" {
		return fmt.Errorf("record %s missing identifierType", r.ExternalID)
	}
	if r.EventTime.IsZero() {
		return fmt.Errorf("record %s missing eventTime", r.ExternalID)
	}
	return nil
}

// dedupKey is the in-batch duplicate identity.
type dedupKey struct {
	ExternalID     string
	IdentifierType string
	Source         string
}

// Normalizer turns one validated record into a canonical event.
type Normalizer interface {
	Source() string
	Normalize(rec RawRecord) (*domain.CanonicalEvent, error)
}

// BatchReport summarizes one batch run.
type BatchReport struct {
	BatchID    string    `json:"batch_id"`
	Source     string    `json:"source"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Errors     int       `json:"errors"`
	Duplicates int       `json:"duplicates"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Failed reports whether any record in the batch errored.
func (r *BatchReport) Failed() bool { return r.Errors > 0 }

// Service runs the normalizer layer.
type Service struct {
	cfg         config.FeedsConfig
	logger      zerolog.Logger
	metrics     *metrics.Registry
	producer    *bus.Producer
	limiter     *rate.Limiter
	normalizers map[string]Normalizer
	newBatchID  func() string

	mu      sync.Mutex
	batches map[string][]RawRecord // surviving records per batch, for reprocessing
	reports map[string]*BatchReport
}

// NewService wires the per-source normalizers over the reference store.
func NewService(cfg config.FeedsConfig, producer *bus.Producer, ref *refdata.Store, reg *metrics.Registry) *Service {
	s := &Service{
		cfg:         cfg,
		logger:      log.Component("feed"),
		metrics:     reg,
		producer:    producer,
		normalizers: make(map[string]Normalizer),
		newBatchID:  uuid.NewString,
		batches:     make(map[string][]RawRecord),
		reports:     make(map[string]*BatchReport),
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst)
	}
	for _, n := range []Normalizer{
		&securityNormalizer{source: "reuters", resolver: ref},
		&securityNormalizer{source: "bloomberg", resolver: ref},
		&securityNormalizer{source: "markit", resolver: ref},
		&basketNormalizer{source: "ultumus", resolver: ref},
		&basketNormalizer{source: "rimes", resolver: ref},
		&tradeNormalizer{resolver: ref},
		&contractNormalizer{resolver: ref},
	} {
		s.normalizers[n.Source()] = n
	}
	return s
}

// ProcessBatch reads newline-delimited JSON records, deduplicates within
// the batch, normalizes and publishes the survivors. Individual record
// failures are counted, not fatal; the reader failing is.
func (s *Service) ProcessBatch(ctx context.Context, r io.Reader, source string) (*BatchReport, error) {
	norm, ok := s.normalizers[source]
	if !ok {
		return nil, errs.New(errs.Validation, "unknown_source", "no normalizer for source %q", source)
	}

	report := &BatchReport{
		BatchID:   s.newBatchID(),
		Source:    source,
		StartedAt: time.Now().UTC(),
	}

	var records []RawRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		report.Total++

		var rec RawRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.recordError(report, source, "", err)
			continue
		}
		if rec.Source == "" {
			rec.Source = source
		}
		if err := rec.Validate(); err != nil {
			s.recordError(report, source, rec.ExternalID, err)
			continue
		}
		if rec.Source != source {
			s.recordError(report, source, rec.ExternalID,
				fmt.Errorf("record source %q does not match batch source %q", rec.Source, source))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return report, errs.Wrap(err, errs.Dependency, "batch_read", "batch %s read failed", report.BatchID)
	}

	survivors := s.dedup(records, report)
	if err := s.run(ctx, norm, survivors, report); err != nil {
		return report, err
	}

	s.mu.Lock()
	s.batches[report.BatchID] = survivors
	s.reports[report.BatchID] = report
	s.mu.Unlock()

	s.logger.Info().Str("batch", report.BatchID).Str("source", source).
		Int("total", report.Total).Int("processed", report.Processed).
		Int("errors", report.Errors).Int("duplicates", report.Duplicates).
		Msg("batch processed")
	return report, nil
}

// Reprocess replays a stored batch through the current normalizers and
// reference state. Event ids are deterministic, so downstream consumers
// treat unchanged records as duplicates.
func (s *Service) Reprocess(ctx context.Context, batchID string) (*BatchReport, error) {
	s.mu.Lock()
	records, ok := s.batches[batchID]
	var source string
	if prev, found := s.reports[batchID]; found {
		source = prev.Source
	}
	s.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.Validation, "unknown_batch", "batch %s not found", batchID)
	}

	norm := s.normalizers[source]
	report := &BatchReport{
		BatchID:   batchID,
		Source:    source,
		Total:     len(records),
		StartedAt: time.Now().UTC(),
	}
	if err := s.run(ctx, norm, records, report); err != nil {
		return report, err
	}
	s.mu.Lock()
	s.reports[batchID] = report
	s.mu.Unlock()
	return report, nil
}

// Report returns the last run's report for a batch.
func (s *Service) Report(batchID string) (BatchReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.reports[batchID]
	if !ok {
		return BatchReport{}, false
	}
	return *rep, true
}

// FailedBatches lists batch ids whose last run had errors, oldest first.
func (s *Service) FailedBatches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, rep := range s.reports {
		if rep.Failed() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// HandleRealtime normalizes and publishes a single record outside any
// batch.
func (s *Service) HandleRealtime(ctx context.Context, source string, raw []byte) (*domain.CanonicalEvent, error) {
	norm, ok := s.normalizers[source]
	if !ok {
		return nil, errs.New(errs.Validation, "unknown_source", "no normalizer for source %q", source)
	}

	var rec RawRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_record", "realtime record cannot be decoded")
	}
	if rec.Source == "" {
		rec.Source = source
	}
	if err := rec.Validate(); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_record", "realtime record rejected")
	}

	evt, err := norm.Normalize(rec)
	if err != nil {
		return nil, err
	}
	if err := s.producer.PublishEvent(ctx, evt); err != nil {
		return nil, err
	}
	s.count(source, "processed")
	return evt, nil
}

func (s *Service) run(ctx context.Context, norm Normalizer, records []RawRecord, report *BatchReport) error {
	for i := range records {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return errs.Wrap(err, errs.Timeout, "throttled", "batch %s aborted while throttled", report.BatchID)
			}
		}
		evt, err := norm.Normalize(records[i])
		if err != nil {
			s.recordError(report, report.Source, records[i].ExternalID, err)
			continue
		}
		evt.BatchID = report.BatchID
		if err := s.producer.PublishEvent(ctx, evt); err != nil {
			s.recordError(report, report.Source, records[i].ExternalID, err)
			continue
		}
		report.Processed++
		s.count(report.Source, "processed")
	}
	report.FinishedAt = time.Now().UTC()
	return nil
}

// dedup drops same-key records within the batch, keeping the survivor the
// configuration selects.
func (s *Service) dedup(records []RawRecord, report *BatchReport) []RawRecord {
	chosen := make(map[dedupKey]int, len(records))
	var order []dedupKey
	for i := range records {
		key := dedupKey{records[i].ExternalID, records[i].IdentifierType, records[i].Source}
		prev, seen := chosen[key]
		if !seen {
			chosen[key] = i
			order = append(order, key)
			continue
		}
		report.Duplicates++
		s.count(report.Source, "duplicate")
		if s.keepLater(records[prev], records[i]) {
			chosen[key] = i
		}
	}

	out := make([]RawRecord, 0, len(order))
	for _, key := range order {
		out = append(out, records[chosen[key]])
	}
	return out
}

// keepLater decides whether a later duplicate replaces the kept record.
func (s *Service) keepLater(kept, later RawRecord) bool {
	switch s.cfg.DedupKeep {
	case "latest-event-time":
		return later.EventTime.After(kept.EventTime)
	case "highest-priority-source":
		return s.cfg.SourcePriority[later.Source] > s.cfg.SourcePriority[kept.Source]
	default: // first
		return false
	}
}

func (s *Service) recordError(report *BatchReport, source, externalID string, err error) {
	report.Errors++
	s.count(source, "error")
	s.logger.Warn().Err(err).Str("batch", report.BatchID).Str("external_id", externalID).
		Msg("batch record rejected")
}

func (s *Service) count(source, result string) {
	if s.metrics != nil {
		s.metrics.BatchRecords.WithLabelValues(source, result).Inc()
	}
}
