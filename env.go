package cedar

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexhholmes/cedar/internal/cache"
	"github.com/alexhholmes/cedar/internal/flock"
	"github.com/alexhholmes/cedar/internal/lock"
	"github.com/alexhholmes/cedar/internal/metrics"
	"github.com/alexhholmes/cedar/internal/wal"
)

const (
	lockFileName = "cedar.lck"
	logFileName  = "cedar.log"
)

// Environment owns the record log, the lock table, the data cache and every
// database opened in it.
type Environment struct {
	opts EnvOptions
	dir  string
	log  Logger

	lockFile *flock.Lock
	wal      *wal.WAL
	cache    *cache.Cache
	locks    *lock.Manager
	metrics  *metrics.Metrics

	mu        sync.Mutex
	catalog   map[string]*catalogEntry
	byID      map[uint32]*catalogEntry
	nextDBID  uint32
	recovered map[uint32][]recoveredRecord
	openDBs   int

	nextTxnID atomic.Uint64
	closed    atomic.Bool
	invalid   atomic.Pointer[invalidation]

	// Background compressor
	stopC chan struct{}  // Shutdown signal
	wg    sync.WaitGroup // Clean shutdown
}

type invalidation struct {
	cause error
}

// Open opens the environment in dir, creating it if needed. An empty dir
// opens an environment whose record log lives only in memory.
func Open(dir string, options ...EnvOption) (*Environment, error) {
	// Apply options
	opts := defaultEnvOptions()
	for _, opt := range options {
		opt(&opts)
	}

	e := &Environment{
		opts:      opts,
		dir:       dir,
		log:       withAttrs(opts.logger, "env", dir),
		locks:     lock.NewManager(opts.lockTimeout),
		catalog:   make(map[string]*catalogEntry),
		byID:      make(map[uint32]*catalogEntry),
		recovered: make(map[uint32][]recoveredRecord),
		stopC:     make(chan struct{}),
	}

	c, err := cache.New(opts.cacheEntries)
	if err != nil {
		return nil, errors.Wrap(err, "create record cache")
	}
	e.cache = c

	if dir == "" {
		e.wal = wal.OpenMemory()
	} else {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.Wrapf(err, "create environment directory %s", dir)
		}
		lf, err := flock.Acquire(filepath.Join(dir, lockFileName), opts.readOnly)
		if err != nil {
			return nil, errors.Wrapf(err, "lock environment %s", dir)
		}
		e.lockFile = lf

		w, err := wal.Open(filepath.Join(dir, logFileName), opts.syncMode, opts.syncBytes)
		if err != nil {
			lf.Release()
			return nil, err
		}
		e.wal = w

		// Recover committed records into the catalog
		if err := e.recover(); err != nil {
			w.Close()
			lf.Release()
			return nil, err
		}
	}

	e.metrics = metrics.New(metrics.Source{
		LockRequests:  func() uint64 { return e.locks.Stats().Requests },
		LockWaits:     func() uint64 { return e.locks.Stats().Waits },
		LockTimeouts:  func() uint64 { return e.locks.Stats().Timeouts },
		Deadlocks:     func() uint64 { return e.locks.Stats().Deadlocks },
		CacheHits:     func() uint64 { return e.cache.Stats().Hits },
		CacheMisses:   func() uint64 { return e.cache.Stats().Misses },
		CacheSize:     e.cache.Size,
		LogSize:       e.wal.Size,
		OpenDatabases: e.openDatabases,
	})

	// Start background compressor goroutine
	if opts.compressInterval > 0 && !opts.readOnly {
		e.wg.Add(1)
		go e.backgroundCompressor()
	}
	return e, nil
}

// Close stops background work, syncs the record log and releases the
// environment lock. Closing twice is a no-op.
func (e *Environment) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Stop background goroutines
	close(e.stopC)
	e.wg.Wait()

	e.mu.Lock()
	if e.openDBs > 0 {
		e.log.Warn("closing environment with open databases", "databases", e.openDBs)
	}
	e.mu.Unlock()

	err := e.wal.Close()
	e.cache.Purge()
	if e.lockFile != nil {
		if lerr := e.lockFile.Release(); err == nil {
			err = lerr
		}
	}
	return err
}

// IsValid reports whether the environment is open and has not been
// invalidated.
func (e *Environment) IsValid() bool {
	return !e.closed.Load() && e.invalid.Load() == nil
}

// checkValid returns the error every operation fails with once the
// environment is closed or invalid.
func (e *Environment) checkValid() error {
	if e.closed.Load() {
		return errors.Wrap(ErrInvalidState, "environment is closed")
	}
	if inv := e.invalid.Load(); inv != nil {
		return errors.Wrapf(ErrEnvironmentInvalid, "%v", inv.cause)
	}
	return nil
}

// invalidate marks the environment unusable. Only the first cause is kept.
func (e *Environment) invalidate(cause error) {
	if e.invalid.CompareAndSwap(nil, &invalidation{cause: cause}) {
		e.log.Error("environment invalidated", "error", cause)
	}
}

// Sync forces the record log to disk.
func (e *Environment) Sync() error {
	if err := e.checkValid(); err != nil {
		return err
	}
	return e.wal.ForceSync()
}

// Metrics returns the environment's metrics for scraping.
func (e *Environment) Metrics() prometheus.Gatherer {
	return e.metrics.Registry
}

// DatabaseNames returns the names of every database, sorted.
func (e *Environment) DatabaseNames() ([]string, error) {
	if err := e.checkValid(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.catalog))
	for name := range e.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (e *Environment) openDatabases() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openDBs
}

// checkDiskLimit fails writes once the record log outgrows the configured
// limit.
func (e *Environment) checkDiskLimit() error {
	if e.opts.maxDisk > 0 && e.wal.Size() > e.opts.maxDisk {
		return errors.Wrapf(ErrDiskLimitExceeded, "record log is %d bytes, limit %d", e.wal.Size(), e.opts.maxDisk)
	}
	return nil
}

// backgroundCompressor periodically removes deleted slots nobody holds a
// lock on.
func (e *Environment) backgroundCompressor() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.compressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.Compress(); err != nil && e.IsValid() {
				e.log.Warn("background compression failed", "error", err)
			}

		case <-e.stopC:
			return
		}
	}
}

// Compress removes deleted slots that are not locked from every open
// database and returns how many were removed.
func (e *Environment) Compress() (int, error) {
	if err := e.checkValid(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	states := make([]*dbState, 0, len(e.catalog))
	for _, ce := range e.catalog {
		if ce.state != nil {
			states = append(states, ce.state)
		}
	}
	e.mu.Unlock()

	total := 0
	for _, st := range states {
		total += st.compress()
	}
	if total > 0 {
		e.metrics.CompressedSlots.Add(float64(total))
	}
	return total, nil
}
