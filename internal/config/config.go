// Package config holds the plain Go configuration structures consumed by
// the core. The host application (the FFI layer, out of scope for this
// module) is responsible for obtaining a Config — either by constructing
// one directly or by loading TOML via Load — and never for domain-policy
// decisions like quality buckets or concurrency caps, which live here so
// every component reads from one place.
package config

import "time"

// Config is the top-level configuration for the engine. Per-section structs
// mirror the teacher's config layout (one struct per concern), each with its
// own Default*Config constructor.
type Config struct {
	Compression CompressionConfig `toml:"compression"`
	Worker      WorkerConfig      `toml:"worker"`
	Sync        SyncConfig        `toml:"sync"`
	Deletion    DeletionConfig    `toml:"deletion"`
}

// MimeCompressionDefaults is one row of the MIME-keyed defaulting table used
// by the Compression Service (spec.md §4.D step 4) and the effectiveness
// gate (step 10).
type MimeCompressionDefaults struct {
	Method                 string  `toml:"method"`    // lossless | lossy | pdf_optimize | office_optimize | video_optimize | none
	Quality                int     `toml:"quality"`    // 1-100 for lossy, compression level for lossless/pdf
	MinSizeBytes           int64   `toml:"min_size_bytes"`
	EffectivenessThreshold float64 `toml:"effectiveness_threshold"` // compressed must be <= threshold * original
}

// CompressionConfig holds codec defaulting policy and the in-memory size
// cap (spec.md §4.D, §6).
type CompressionConfig struct {
	// MaxInMemoryCompressionBytes is the size gate threshold (spec.md §6).
	// Overridable by the MAX_IN_MEMORY_COMPRESSION_BYTES environment
	// variable — the one documented env override in the entire core.
	MaxInMemoryCompressionBytes int64 `toml:"max_in_memory_compression_bytes"`

	// Defaults is keyed by MIME type; "*" is the fallback for any MIME not
	// listed explicitly (spec.md §4.D step 4 "Else:" branch).
	Defaults map[string]MimeCompressionDefaults `toml:"defaults"`

	// StaleProcessingTimeout is how long a document may sit in
	// compression_status=processing before cleanup resets it to pending
	// (spec.md §4.D cleanup_stale_documents, 60 minutes).
	StaleProcessingTimeout time.Duration `toml:"stale_processing_timeout"`

	// FailedTerminalAfter is how long a document may sit in
	// compression_status=failed before cleanup marks it skipped with a
	// terminal reason (spec.md §4.D, 7 days).
	FailedTerminalAfter time.Duration `toml:"failed_terminal_after"`

	// QueueStuckProcessingTimeout and QueueFailedRetryWindow drive
	// reset_stuck_jobs (spec.md §4.D, 30 minutes / 24 hours / 7 days).
	QueueStuckProcessingTimeout time.Duration `toml:"queue_stuck_processing_timeout"`
	QueueFailedRetryWindow      time.Duration `toml:"queue_failed_retry_window"`
	QueueFailedPurgeAfter       time.Duration `toml:"queue_failed_purge_after"`

	// ActiveLeaseWindow is how recent last_active_at must be for a document
	// to be considered "in use" (spec.md §3 ActiveFileUsageLease, 5 minutes).
	ActiveLeaseWindow time.Duration `toml:"active_lease_window"`
}

// DeviceClass is the mobile device tier used to cap effective concurrency
// (spec.md §4.E).
type DeviceClass string

// Device classes named by the spec's effective-concurrency table.
const (
	DeviceClassPhone     DeviceClass = "phone"
	DeviceClassTablet    DeviceClass = "tablet"
	DeviceClassTabletPro DeviceClass = "tablet_pro"
)

// WorkerConfig holds the Compression Worker's scheduling and device-signal
// policy (spec.md §4.E).
type WorkerConfig struct {
	MaxConcurrency int         `toml:"max_concurrency"`
	DeviceClass    DeviceClass `toml:"device_class"`

	PollInterval time.Duration `toml:"poll_interval"` // default 2000ms

	LowBatteryThreshold float64 `toml:"low_battery_threshold"` // default 0.20

	// NightHoursStart/End bound the 01:00-06:00 device-local reduced-cap
	// window (spec.md §4.E).
	NightHoursStart int `toml:"night_hours_start"` // 1
	NightHoursEnd   int `toml:"night_hours_end"`   // 6

	MemoryWarningGuard    time.Duration `toml:"memory_warning_guard"`    // 30s
	BackgroundTimeGuard   time.Duration `toml:"background_time_guard"`   // 10s
	MaintenanceInterval   time.Duration `toml:"maintenance_interval"`    // 10m
	ProcessNowBatch       int           `toml:"process_now_batch"`       // 5
	ControlMailboxBuffer  int           `toml:"control_mailbox_buffer"`  // 100

	// Per-size-class base timeouts (spec.md §4.E step 1).
	TimeoutSmall      time.Duration `toml:"timeout_small"`       // 2m
	TimeoutMedium     time.Duration `toml:"timeout_medium"`      // 3m
	TimeoutLarge      time.Duration `toml:"timeout_large"`       // 5m
	TimeoutVeryLarge  time.Duration `toml:"timeout_very_large"`  // 10m

	// Size-class boundaries in bytes.
	SmallMaxBytes  int64 `toml:"small_max_bytes"`
	MediumMaxBytes int64 `toml:"medium_max_bytes"`
	LargeMaxBytes  int64 `toml:"large_max_bytes"`

	// PauseOnCriticalThermal and RespectLowPowerMode gate the
	// UpdateIOSState auto-adjust rules (spec.md §4.E).
	PauseOnCriticalThermal bool `toml:"pause_on_critical_thermal"`
	RespectLowPowerMode    bool `toml:"respect_low_power_mode"`

	// WatchStorageRoot enables the fsnotify-backed storage-root watcher
	// (SPEC_FULL.md §C.2), a supplement beyond the original spec's
	// explicit-trigger model.
	WatchStorageRoot bool `toml:"watch_storage_root"`
}

// SyncConfig holds the Sync Service's batching and concurrency policy
// (spec.md §4.H, §5, §6).
type SyncConfig struct {
	MaxChangesPerPush     int `toml:"max_changes_per_push"`     // 1000
	MaxTombstonesPerPush  int `toml:"max_tombstones_per_push"`  // 500
	ConcurrentUploads     int `toml:"concurrent_uploads"`       // 3
	ConcurrentDownloads   int `toml:"concurrent_downloads"`     // 3

	TransportTimeout       time.Duration `toml:"transport_timeout"`        // 120s
	TransportConnectTimeout time.Duration `toml:"transport_connect_timeout"` // 10s
	RetryAttempts          int           `toml:"retry_attempts"`           // 3
	RetryBaseDelay         time.Duration `toml:"retry_base_delay"`         // 1s

	DownloadDir string `toml:"download_dir"`
}

// DeletionConfig holds the Deferred Deletion Worker's cadence and default
// grace period (spec.md §4.I, §3 FileDeletionQueueEntry).
type DeletionConfig struct {
	DefaultGracePeriod time.Duration `toml:"default_grace_period"` // 86400s
	PollInterval       time.Duration `toml:"poll_interval"`        // 5m
	BatchSize          int           `toml:"batch_size"`           // 100
}
