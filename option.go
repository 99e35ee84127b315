package cedar

import (
	"time"

	"github.com/alexhholmes/cedar/internal/wal"
)

// SyncMode controls when the record log is fsynced to disk
type SyncMode = wal.SyncMode

const (
	// SyncEveryCommit fsyncs on every transaction commit and every
	// non-transactional write.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency (typically 1-10ms per commit)
	SyncEveryCommit = wal.SyncEveryCommit

	// SyncBytes fsyncs when at least N bytes have been written since the last
	// fsync.
	// - Some data loss possible on crash (up to N bytes)
	SyncBytes = wal.SyncBytes

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - All unflushed data lost on crash
	SyncOff = wal.SyncOff
)

// EnvOptions configures an environment.
type EnvOptions struct {
	logger        Logger
	syncMode      SyncMode
	syncBytes     int           // Bytes to write before fsync when syncMode is SyncBytes.
	maxDisk       int64         // Record log size limit for writes. 0 means no limit.
	cacheEntries  int           // Records kept in the data cache.
	lockTimeout   time.Duration // 0 waits forever.
	readOnly      bool
	transactional bool
	replicated    bool
	// integrityFatal marks a secondary corrupt on its first integrity failure.
	integrityFatal   bool
	skipBatch        int
	compressInterval time.Duration // 0 disables background compression.
}

func defaultEnvOptions() EnvOptions {
	return EnvOptions{
		logger:           DiscardLogger{},
		syncMode:         SyncEveryCommit,
		syncBytes:        1024 * 1024, // 1MB
		cacheEntries:     64 * 1024,
		lockTimeout:      500 * time.Millisecond,
		transactional:    true,
		integrityFatal:   true,
		skipBatch:        64,
		compressInterval: 100 * time.Millisecond,
	}
}

// EnvOption configures environment options using the functional options
// pattern.
type EnvOption func(*EnvOptions)

// WithLogger sets the logger. A *slog.Logger satisfies Logger directly.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) EnvOption {
	return func(opts *EnvOptions) {
		if l == nil {
			l = DiscardLogger{}
		}
		opts.logger = l
	}
}

// WithSyncMode sets when the record log is fsynced.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncMode(mode SyncMode) EnvOption {
	return func(opts *EnvOptions) {
		opts.syncMode = mode
	}
}

// WithSyncBytes selects SyncBytes with the given threshold.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncBytes(n int) EnvOption {
	return func(opts *EnvOptions) {
		opts.syncMode = SyncBytes
		opts.syncBytes = n
	}
}

// WithMaxDisk limits the size of the record log. Writes fail with
// ErrDiskLimitExceeded once the log is larger.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxDisk(bytes int64) EnvOption {
	return func(opts *EnvOptions) {
		opts.maxDisk = bytes
	}
}

// WithCacheEntries sets how many record datas are cached in memory.
//
//goland:noinspection GoUnusedExportedFunction
func WithCacheEntries(n int) EnvOption {
	return func(opts *EnvOptions) {
		opts.cacheEntries = n
	}
}

// WithLockTimeout sets the default record lock wait. Zero waits forever.
//
//goland:noinspection GoUnusedExportedFunction
func WithLockTimeout(d time.Duration) EnvOption {
	return func(opts *EnvOptions) {
		opts.lockTimeout = d
	}
}

// WithReadOnly opens the environment read-only.
//
//goland:noinspection GoUnusedExportedFunction
func WithReadOnly() EnvOption {
	return func(opts *EnvOptions) {
		opts.readOnly = true
	}
}

// WithTransactional sets whether transactions are supported.
//
//goland:noinspection GoUnusedExportedFunction
func WithTransactional(on bool) EnvOption {
	return func(opts *EnvOptions) {
		opts.transactional = on
	}
}

// WithReplicated sets the default replication flag of new databases.
// Non-replicated databases may only be written by local-write lockers.
//
//goland:noinspection GoUnusedExportedFunction
func WithReplicated(on bool) EnvOption {
	return func(opts *EnvOptions) {
		opts.replicated = on
	}
}

// WithSecondaryIntegrityFatal sets whether a secondary integrity failure marks
// the secondary corrupt.
//
//goland:noinspection GoUnusedExportedFunction
func WithSecondaryIntegrityFatal(on bool) EnvOption {
	return func(opts *EnvOptions) {
		opts.integrityFatal = on
	}
}

// WithSkipBatch sets how many slots a skip visits per latch hold.
//
//goland:noinspection GoUnusedExportedFunction
func WithSkipBatch(n int) EnvOption {
	return func(opts *EnvOptions) {
		if n > 0 {
			opts.skipBatch = n
		}
	}
}

// WithCompressInterval sets how often deleted slots are removed in the
// background. Zero disables the compressor; Environment.Compress still works.
//
//goland:noinspection GoUnusedExportedFunction
func WithCompressInterval(d time.Duration) EnvOption {
	return func(opts *EnvOptions) {
		opts.compressInterval = d
	}
}
