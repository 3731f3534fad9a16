// Package worker implements the Compression Worker (spec.md §4.E): a single
// long-running dispatcher with an unbounded-but-bounded control mailbox and
// one child goroutine per running compression. Device state and the pause
// flag live exclusively behind the dispatcher goroutine — every external
// observation or mutation goes through a Message with a reply channel, the
// message-passing design spec.md §9 calls for in place of the source's
// fine-grained reader-writer locks.
package worker

import (
	"math"
	"strings"
	"time"

	"github.com/fieldops/syncore/internal/config"
)

// ThermalState mirrors the device thermal states the host reports via
// UpdateIOSState (spec.md §4.E).
type ThermalState string

const (
	ThermalNominal  ThermalState = "nominal"
	ThermalFair     ThermalState = "fair"
	ThermalSerious  ThermalState = "serious"
	ThermalCritical ThermalState = "critical"
)

// AppState mirrors the host application's lifecycle state.
type AppState string

const (
	AppActive     AppState = "active"
	AppBackground AppState = "background"
	AppInactive   AppState = "inactive"
)

// DeviceState is the dispatcher's snapshot of device signals (spec.md
// §4.E: "battery 0-1, charging, thermal, app-state, available memory MB").
type DeviceState struct {
	Battery       float64
	Charging      bool
	Thermal       ThermalState
	AppState      AppState
	AvailableMB   int
}

// Status is the reply payload for GetStatus/GetIOSStatus.
type Status struct {
	Active           int
	Max              int
	EffectiveMax     int
	PollInterval     time.Duration
	RunningDocuments []string
	Device           DeviceState
	Paused           bool
	PauseReason      string
}

// unboundedCap stands in for the spec's "nominal -> infinity" / "no
// background limit yet set" caps, clamped down by minInt against whatever
// finite caps also apply.
const unboundedCap = math.MaxInt32

// effectiveConcurrency computes the admission cap from spec.md §4.E's
// "Effective concurrency is the minimum of ..." paragraph. now is the
// device-local time used for the 01:00-06:00 night reduction.
func effectiveConcurrency(cfg config.WorkerConfig, maxConcurrency, backgroundLimit int, state DeviceState, now time.Time) int {
	capv := maxConcurrency

	capv = minInt(capv, deviceClassCap(cfg.DeviceClass))

	if state.AppState == AppBackground {
		capv = minInt(capv, backgroundLimit)
	}

	capv = minInt(capv, thermalCap(state.Thermal))

	if !state.Charging && state.Battery < cfg.LowBatteryThreshold {
		capv = minInt(capv, 1)
	}

	if !state.Charging && isNightHours(now, cfg.NightHoursStart, cfg.NightHoursEnd) {
		capv = minInt(capv, 1)
	}

	if capv < 0 {
		capv = 0
	}
	return capv
}

func deviceClassCap(class config.DeviceClass) int {
	switch class {
	case config.DeviceClassTablet:
		return 2
	case config.DeviceClassTabletPro:
		return 3
	default:
		return 1
	}
}

func thermalCap(t ThermalState) int {
	switch t {
	case ThermalFair:
		return 2
	case ThermalSerious:
		return 1
	case ThermalCritical:
		return 0
	default:
		return unboundedCap
	}
}

func isNightHours(now time.Time, start, end int) bool {
	h := now.Hour()
	if start <= end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// sizeClass buckets a document's byte size for the per-job timeout table
// (spec.md §4.E step 1).
type sizeClass int

const (
	sizeSmall sizeClass = iota
	sizeMedium
	sizeLarge
	sizeVeryLarge
)

func classifySize(cfg config.WorkerConfig, bytes int64) sizeClass {
	switch {
	case bytes <= cfg.SmallMaxBytes:
		return sizeSmall
	case bytes <= cfg.MediumMaxBytes:
		return sizeMedium
	case bytes <= cfg.LargeMaxBytes:
		return sizeLarge
	default:
		return sizeVeryLarge
	}
}

// deviceClassMultiplier applies the 3.0/2.0/1.5 factors from spec.md
// §4.E step 1 ("multiplied by 3.0/2.0/1.5 for phone/tablet/tablet-pro").
func deviceClassMultiplier(class config.DeviceClass) float64 {
	switch class {
	case config.DeviceClassTablet:
		return 2.0
	case config.DeviceClassTabletPro:
		return 1.5
	default:
		return 3.0
	}
}

// jobTimeout derives the per-job compression timeout from document size and
// device class (spec.md §4.E step 1).
func jobTimeout(cfg config.WorkerConfig, sizeBytes int64) time.Duration {
	var base time.Duration
	switch classifySize(cfg, sizeBytes) {
	case sizeSmall:
		base = cfg.TimeoutSmall
	case sizeMedium:
		base = cfg.TimeoutMedium
	case sizeLarge:
		base = cfg.TimeoutLarge
	default:
		base = cfg.TimeoutVeryLarge
	}
	mult := deviceClassMultiplier(cfg.DeviceClass)
	return time.Duration(float64(base) * mult)
}

// skipReasonSubstrings is the error-message categorisation spec.md §4.E step
// 4 mandates as the one place string matching on error text is correct
// (the service's message is the only signal the worker has at this layer).
var skipReasonSubstrings = []string{
	"PDF already compressed",
	"would not reduce",
	"below minimum size",
	"too large",
}

func isSkipReason(msg string) bool {
	for _, s := range skipReasonSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
