// Package directory owns the local view of the peer banks. The Synchronizer
// is the only writer; everything else reads through Lookup and List.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"interbank/pkg/ledger"
	"interbank/pkg/metrics"
	"interbank/pkg/types"

	"go.uber.org/zap"
)

// ErrEmptyRemote aborts a cycle whose remote snapshot has no banks.
var ErrEmptyRemote = errors.New("registry returned an empty bank list")

// Source lists the banks currently known to the central registry.
type Source interface {
	ListBanks(ctx context.Context) ([]types.BankDirectoryEntry, error)
}

type Options struct {
	Interval  time.Duration
	CacheFile string
	MetaFile  string
	Metrics   *metrics.Metrics
}

// Status summarises the last cycles for health reporting.
type Status struct {
	LastSuccess time.Time
	LastError   error
	Size        int
}

type Synchronizer struct {
	source  Source
	store   ledger.Directory
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	syncMu sync.Mutex // one cycle at a time

	mu       sync.RWMutex
	byName   map[string]types.BankDirectoryEntry
	byPrefix map[string]types.BankDirectoryEntry
	status   Status

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSynchronizer(source Source, store ledger.Directory, opts Options, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	return &Synchronizer{
		source:   source,
		store:    store,
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      time.Now,
		byName:   make(map[string]types.BankDirectoryEntry),
		byPrefix: make(map[string]types.BankDirectoryEntry),
		stopCh:   make(chan struct{}),
	}
}

// Load fills the read view from the store, falling back to the cache file
// when the store holds no directory yet.
func (s *Synchronizer) Load(ctx context.Context) error {
	entries, err := s.localSnapshot(ctx)
	if err != nil {
		return err
	}
	s.swap(entries)
	s.logger.Info("Loaded local bank directory", zap.Int("banks", len(entries)))
	return nil
}

func (s *Synchronizer) localSnapshot(ctx context.Context) ([]types.BankDirectoryEntry, error) {
	if s.store != nil {
		entries, err := s.store.Directory(ctx)
		if err != nil {
			s.logger.Warn("Directory store unreadable, using cache file", zap.Error(err))
		} else if len(entries) > 0 {
			return entries, nil
		}
	}
	return LoadCache(s.opts.CacheFile)
}

// SyncOnce runs one reconciliation cycle. A failed or empty remote fetch
// leaves local state untouched.
func (s *Synchronizer) SyncOnce(ctx context.Context) (Result, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	local, err := s.localSnapshot(ctx)
	if err != nil {
		return Result{}, s.fail(fmt.Errorf("failed to load local directory: %w", err))
	}

	remote, err := s.source.ListBanks(ctx)
	if err != nil {
		return Result{}, s.fail(fmt.Errorf("failed to fetch bank list: %w", err))
	}
	if len(remote) == 0 {
		return Result{}, s.fail(ErrEmptyRemote)
	}

	res := Reconcile(local, remote)
	merged := res.Merged()
	now := s.now().UTC()

	if !res.Changed() {
		s.swap(merged)
		s.succeed(now, len(merged))
		s.metrics.SyncCycle("unchanged", 0, 0, 0, len(merged), float64(now.Unix()))
		s.logger.Debug("Bank directory unchanged", zap.Int("banks", len(merged)))
		return res, nil
	}

	if err := writeCache(s.opts.CacheFile, merged); err != nil {
		return res, s.fail(fmt.Errorf("failed to write directory cache: %w", err))
	}
	if s.store != nil {
		if err := s.store.ReplaceDirectory(ctx, merged); err != nil {
			return res, s.fail(fmt.Errorf("failed to replace directory: %w", err))
		}
	}
	if err := writeMeta(s.opts.MetaFile, SyncMeta{LastUpdate: now, Count: len(merged)}); err != nil {
		s.logger.Warn("Failed to write sync metadata", zap.Error(err))
	}

	s.swap(merged)
	s.succeed(now, len(merged))
	s.metrics.SyncCycle("changed", len(res.Added), len(res.Updated), len(res.Removed), len(merged), float64(now.Unix()))
	s.logger.Info("Bank directory synchronized",
		zap.Int("added", len(res.Added)),
		zap.Int("updated", len(res.Updated)),
		zap.Int("unchanged", len(res.Unchanged)),
		zap.Int("removed", len(res.Removed)))
	return res, nil
}

func (s *Synchronizer) fail(err error) error {
	s.mu.Lock()
	s.status.LastError = err
	s.mu.Unlock()
	s.metrics.SyncCycle("failed", 0, 0, 0, 0, 0)
	s.logger.Warn("Bank directory sync failed, keeping local copy", zap.Error(err))
	return err
}

func (s *Synchronizer) succeed(at time.Time, size int) {
	s.mu.Lock()
	s.status = Status{LastSuccess: at, Size: size}
	s.mu.Unlock()
}

// swap publishes a new read view. When two banks share a prefix the most
// recently updated one wins the prefix lookup.
func (s *Synchronizer) swap(entries []types.BankDirectoryEntry) {
	byName := Dedupe(entries)
	byPrefix := make(map[string]types.BankDirectoryEntry, len(byName))
	for _, e := range byName {
		prefix := strings.ToUpper(e.Prefix)
		if prev, ok := byPrefix[prefix]; ok && !e.LastUpdated.After(prev.LastUpdated) {
			continue
		}
		byPrefix[prefix] = e
	}

	s.mu.Lock()
	s.byName = byName
	s.byPrefix = byPrefix
	s.mu.Unlock()
}

// Start loads the local directory, runs a first cycle and then repeats on
// the configured interval until Stop.
func (s *Synchronizer) Start(ctx context.Context) {
	if err := s.Load(ctx); err != nil {
		s.logger.Warn("Failed to load local bank directory", zap.Error(err))
	}
	s.SyncOnce(ctx)

	s.wg.Add(1)
	go s.syncLoop(ctx)
}

func (s *Synchronizer) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SyncOnce(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Synchronizer) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
}

// LookupByPrefix resolves the bank that owns an account prefix.
func (s *Synchronizer) LookupByPrefix(prefix string) (types.BankDirectoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byPrefix[strings.ToUpper(prefix)]
	return e, ok
}

func (s *Synchronizer) LookupByName(name string) (types.BankDirectoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byName[name]
	return e, ok
}

// List returns the directory sorted by name.
func (s *Synchronizer) List() []types.BankDirectoryEntry {
	s.mu.RLock()
	out := make([]types.BankDirectoryEntry, 0, len(s.byName))
	for _, e := range s.byName {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sortByName(out)
	return out
}

func (s *Synchronizer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}
