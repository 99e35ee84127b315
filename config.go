package cedar

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
)

// ByteSize is a size read from text such as "512MB" or "1GiB".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.Wrapf(ErrInvalidArgument, "size %q: %v", text, err)
	}
	*b = ByteSize(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

// Duration is a time.Duration read from text such as "500ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(ErrInvalidArgument, "duration %q: %v", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// EnvConfig is the file form of the environment options. Unset fields keep
// their defaults.
//
// Example:
//
//	sync_mode = "bytes"
//	sync_bytes = "4MB"
//	max_disk = "512MB"
//	cache_entries = 100000
//	lock_timeout = "250ms"
type EnvConfig struct {
	SyncMode         string    `toml:"sync_mode"` // every_commit, bytes, off
	SyncBytes        ByteSize  `toml:"sync_bytes"`
	MaxDisk          ByteSize  `toml:"max_disk"`
	CacheEntries     int       `toml:"cache_entries"`
	LockTimeout      *Duration `toml:"lock_timeout"`
	ReadOnly         bool      `toml:"read_only"`
	Transactional    *bool     `toml:"transactional"`
	Replicated       *bool     `toml:"replicated"`
	IntegrityFatal   *bool     `toml:"secondary_integrity_fatal"`
	SkipBatch        int       `toml:"skip_batch"`
	CompressInterval *Duration `toml:"compress_interval"`
}

// LoadConfig reads a TOML environment configuration. Unknown keys are an
// error.
func LoadConfig(path string) (*EnvConfig, error) {
	var cfg EnvConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Wrapf(ErrInvalidArgument, "config %s contains undefined items: %s",
			path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return &cfg, nil
}

// Validate checks the configuration for values that cannot be applied.
func (c *EnvConfig) Validate() error {
	if _, err := parseSyncMode(c.SyncMode); err != nil {
		return err
	}
	if c.SyncBytes < 0 || c.MaxDisk < 0 || c.CacheEntries < 0 || c.SkipBatch < 0 {
		return errors.Wrap(ErrInvalidArgument, "negative size in config")
	}
	return nil
}

func parseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(s) {
	case "", "every_commit":
		return SyncEveryCommit, nil
	case "bytes":
		return SyncBytes, nil
	case "off":
		return SyncOff, nil
	default:
		return 0, errors.Wrapf(ErrInvalidArgument, "unknown sync mode %q", s)
	}
}

// WithConfig applies a loaded configuration. Options given after it override
// its values.
//
//goland:noinspection GoUnusedExportedFunction
func WithConfig(cfg *EnvConfig) EnvOption {
	return func(opts *EnvOptions) {
		if cfg == nil {
			return
		}
		if cfg.SyncMode != "" {
			if mode, err := parseSyncMode(cfg.SyncMode); err == nil {
				opts.syncMode = mode
			}
		}
		if cfg.SyncBytes > 0 {
			opts.syncBytes = int(cfg.SyncBytes)
		}
		if cfg.MaxDisk > 0 {
			opts.maxDisk = int64(cfg.MaxDisk)
		}
		if cfg.CacheEntries > 0 {
			opts.cacheEntries = cfg.CacheEntries
		}
		if cfg.LockTimeout != nil {
			opts.lockTimeout = cfg.LockTimeout.Duration
		}
		if cfg.ReadOnly {
			opts.readOnly = true
		}
		if cfg.Transactional != nil {
			opts.transactional = *cfg.Transactional
		}
		if cfg.Replicated != nil {
			opts.replicated = *cfg.Replicated
		}
		if cfg.IntegrityFatal != nil {
			opts.integrityFatal = *cfg.IntegrityFatal
		}
		if cfg.SkipBatch > 0 {
			opts.skipBatch = cfg.SkipBatch
		}
		if cfg.CompressInterval != nil {
			opts.compressInterval = cfg.CompressInterval.Duration
		}
	}
}
