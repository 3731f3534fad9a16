package config

import "time"

// Default values, named the way the teacher's defaults.go names them: the
// "layer 0" of the override chain, safe starting points that work without
// any config file.
const (
	defaultMaxInMemoryCompressionBytes = 2147483648 // 2 GiB, spec.md §6

	defaultStaleProcessingTimeout      = 60 * time.Minute
	defaultFailedTerminalAfter         = 7 * 24 * time.Hour
	defaultQueueStuckProcessingTimeout = 30 * time.Minute
	defaultQueueFailedRetryWindow      = 24 * time.Hour
	defaultQueueFailedPurgeAfter       = 7 * 24 * time.Hour
	defaultActiveLeaseWindow           = 5 * time.Minute

	defaultPollInterval         = 2000 * time.Millisecond
	defaultLowBatteryThreshold  = 0.20
	defaultNightHoursStart      = 1
	defaultNightHoursEnd        = 6
	defaultMemoryWarningGuard   = 30 * time.Second
	defaultBackgroundTimeGuard  = 10 * time.Second
	defaultMaintenanceInterval = 10 * time.Minute
	defaultProcessNowBatch      = 5
	defaultControlMailboxBuffer = 100

	defaultTimeoutSmall     = 2 * time.Minute
	defaultTimeoutMedium    = 3 * time.Minute
	defaultTimeoutLarge     = 5 * time.Minute
	defaultTimeoutVeryLarge = 10 * time.Minute

	defaultSmallMaxBytes  = 5 * 1024 * 1024   // 5 MiB
	defaultMediumMaxBytes = 25 * 1024 * 1024  // 25 MiB
	defaultLargeMaxBytes  = 100 * 1024 * 1024 // 100 MiB

	defaultMaxChangesPerPush      = 1000
	defaultMaxTombstonesPerPush   = 500
	defaultConcurrentUploads      = 3
	defaultConcurrentDownloads    = 3
	defaultTransportTimeout       = 120 * time.Second
	defaultTransportConnectTimeout = 10 * time.Second
	defaultRetryAttempts          = 3
	defaultRetryBaseDelay         = 1 * time.Second

	defaultDeletionGracePeriod = 86400 * time.Second
	defaultDeletionPollInterval = 5 * time.Minute
	defaultDeletionBatchSize    = 100
)

// DefaultConfig returns a Config populated with every section's defaults.
func DefaultConfig() *Config {
	return &Config{
		Compression: DefaultCompressionConfig(),
		Worker:      DefaultWorkerConfig(),
		Sync:        DefaultSyncConfig(),
		Deletion:    DefaultDeletionConfig(),
	}
}

// DefaultCompressionConfig returns the MIME-keyed defaulting table from
// spec.md §4.D step 4 plus the maintenance windows from step's
// cleanup_stale_documents / reset_stuck_jobs descriptions.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MaxInMemoryCompressionBytes: defaultMaxInMemoryCompressionBytes,
		Defaults: map[string]MimeCompressionDefaults{
			"image/jpeg": {
				Method: "lossy", Quality: 80, MinSizeBytes: 5 * 1024,
				EffectivenessThreshold: 0.98,
			},
			"image/png": {
				Method: "lossless", Quality: 9, MinSizeBytes: 10 * 1024,
				EffectivenessThreshold: 0.95,
			},
			"application/pdf": {
				Method: "pdf_optimize", Quality: 5, MinSizeBytes: 50 * 1024,
				EffectivenessThreshold: 0.90,
			},
			"*": {
				Method: "lossless", Quality: 75, MinSizeBytes: 10 * 1024,
				EffectivenessThreshold: 0.95,
			},
		},
		StaleProcessingTimeout:      defaultStaleProcessingTimeout,
		FailedTerminalAfter:         defaultFailedTerminalAfter,
		QueueStuckProcessingTimeout: defaultQueueStuckProcessingTimeout,
		QueueFailedRetryWindow:      defaultQueueFailedRetryWindow,
		QueueFailedPurgeAfter:       defaultQueueFailedPurgeAfter,
		ActiveLeaseWindow:           defaultActiveLeaseWindow,
	}
}

// DefaultWorkerConfig returns the Compression Worker's defaults (spec.md §4.E).
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxConcurrency:       3,
		DeviceClass:          DeviceClassPhone,
		PollInterval:         defaultPollInterval,
		LowBatteryThreshold:  defaultLowBatteryThreshold,
		NightHoursStart:      defaultNightHoursStart,
		NightHoursEnd:        defaultNightHoursEnd,
		MemoryWarningGuard:   defaultMemoryWarningGuard,
		BackgroundTimeGuard:  defaultBackgroundTimeGuard,
		MaintenanceInterval:  defaultMaintenanceInterval,
		ProcessNowBatch:      defaultProcessNowBatch,
		ControlMailboxBuffer: defaultControlMailboxBuffer,
		TimeoutSmall:         defaultTimeoutSmall,
		TimeoutMedium:        defaultTimeoutMedium,
		TimeoutLarge:         defaultTimeoutLarge,
		TimeoutVeryLarge:     defaultTimeoutVeryLarge,
		SmallMaxBytes:          defaultSmallMaxBytes,
		MediumMaxBytes:         defaultMediumMaxBytes,
		LargeMaxBytes:          defaultLargeMaxBytes,
		PauseOnCriticalThermal: true,
		RespectLowPowerMode:    true,
		WatchStorageRoot:       false,
	}
}

// DefaultSyncConfig returns the Sync Service's defaults (spec.md §4.H, §5, §6).
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxChangesPerPush:       defaultMaxChangesPerPush,
		MaxTombstonesPerPush:    defaultMaxTombstonesPerPush,
		ConcurrentUploads:       defaultConcurrentUploads,
		ConcurrentDownloads:     defaultConcurrentDownloads,
		TransportTimeout:        defaultTransportTimeout,
		TransportConnectTimeout: defaultTransportConnectTimeout,
		RetryAttempts:           defaultRetryAttempts,
		RetryBaseDelay:          defaultRetryBaseDelay,
		DownloadDir:             "sync-downloads",
	}
}

// DefaultDeletionConfig returns the Deferred Deletion Worker's defaults
// (spec.md §4.I).
func DefaultDeletionConfig() DeletionConfig {
	return DeletionConfig{
		DefaultGracePeriod: defaultDeletionGracePeriod,
		PollInterval:       defaultDeletionPollInterval,
		BatchSize:          defaultDeletionBatchSize,
	}
}

// DeviceClassConcurrencyCap returns the per-device-class concurrency cap
// from spec.md §4.E ("1 for phone-class, 2 for tablet, 3 for tablet-pro").
func DeviceClassConcurrencyCap(class DeviceClass) int {
	switch class {
	case DeviceClassTablet:
		return 2
	case DeviceClassTabletPro:
		return 3
	case DeviceClassPhone:
		return 1
	default:
		return 1
	}
}

// DeviceClassTimeoutMultiplier returns the per-device-class timeout
// multiplier from spec.md §4.E step 1 ("multiplied by 3.0/2.0/1.5 for
// phone/tablet/tablet-pro").
func DeviceClassTimeoutMultiplier(class DeviceClass) float64 {
	switch class {
	case DeviceClassTablet:
		return 2.0
	case DeviceClassTabletPro:
		return 1.5
	case DeviceClassPhone:
		return 3.0
	default:
		return 3.0
	}
}
