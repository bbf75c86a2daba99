// Package gps turns a noisy stream of location fixes into a stable position
// estimate and a coarse location availability status.
package gps

import (
	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/geo"
)

// FilterConfig holds the fusion policy knobs
type FilterConfig struct {
	HardRejectAccuracyM float64 `json:"hard_reject_accuracy_m"` // fixes coarser than this are discarded
	PreciseAccuracyM    float64 `json:"precise_accuracy_m"`     // below this a position is Precise
	JitterDistanceM     float64 `json:"jitter_distance_m"`      // movement beyond this always wins
}

// DefaultFilterConfig returns default fusion configuration
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		HardRejectAccuracyM: 5000,
		PreciseAccuracyM:    40,
		JitterDistanceM:     10,
	}
}

// Outcome describes what the filter did with a fix
type Outcome string

// Fix outcomes
const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeRejectedCoarse Outcome = "rejected_coarse"
	OutcomeRejectedJitter Outcome = "rejected_jitter"
	OutcomeIgnored        Outcome = "ignored"
)

// WatchAction is the follow-up the caller must perform after a watch error
type WatchAction int

const (
	// ActionNone requires nothing further
	ActionNone WatchAction = iota
	// ActionRetryLowAccuracy requires one single-shot low accuracy request
	ActionRetryLowAccuracy
)

// Filter is the location fusion state machine. It is not safe for
// concurrent use; callers serialize fixes and errors.
type Filter struct {
	config       FilterConfig
	position     pkg.FusedPosition
	hasPosition  bool
	availability pkg.Availability
	retryIssued  bool
}

// NewFilter creates a filter in the Searching state
func NewFilter(config FilterConfig) *Filter {
	return &Filter{
		config:       config,
		availability: pkg.AvailabilitySearching,
	}
}

// Position returns the fused position, if any
func (f *Filter) Position() (pkg.FusedPosition, bool) {
	return f.position, f.hasPosition
}

// Availability returns the current location status
func (f *Filter) Availability() pkg.Availability {
	return f.availability
}

// OnRawFix evaluates one fix against the current state
func (f *Filter) OnRawFix(fix pkg.RawFix) Outcome {
	if f.availability == pkg.AvailabilityPermissionDenied {
		return OutcomeIgnored
	}

	if fix.AccuracyM > f.config.HardRejectAccuracyM {
		return OutcomeRejectedCoarse
	}

	if f.hasPosition {
		dist := geo.Distance(fix.Latitude, fix.Longitude, f.position.Latitude, f.position.Longitude)
		notWorse := fix.AccuracyM <= f.position.AccuracyM
		moved := dist > f.config.JitterDistanceM
		if !notWorse && !moved {
			return OutcomeRejectedJitter
		}
	}

	f.position = pkg.FusedPosition{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		AccuracyM: fix.AccuracyM,
		Quality:   f.qualityFor(fix.AccuracyM),
	}
	f.hasPosition = true
	f.availability = pkg.AvailabilityAvailable
	// an accepted fix proves the device works again
	f.retryIssued = false
	return OutcomeAccepted
}

// OnWatchError records a watcher failure and reports the required follow-up.
// A non-permission error asks for exactly one low accuracy retry; a second
// failure before any fix arrives moves the filter to DeviceError.
func (f *Filter) OnWatchError(permissionDenied bool) WatchAction {
	if permissionDenied {
		f.availability = pkg.AvailabilityPermissionDenied
		return ActionNone
	}
	if f.availability == pkg.AvailabilityPermissionDenied {
		return ActionNone
	}
	if !f.retryIssued {
		f.retryIssued = true
		return ActionRetryLowAccuracy
	}
	f.availability = pkg.AvailabilityDeviceError
	return ActionNone
}

// Reset leaves a terminal status after an explicit user retry. The last
// fused position is kept.
func (f *Filter) Reset() {
	f.retryIssued = false
	if f.hasPosition {
		f.availability = pkg.AvailabilityAvailable
	} else {
		f.availability = pkg.AvailabilitySearching
	}
}

func (f *Filter) qualityFor(accuracyM float64) pkg.QualityTier {
	if accuracyM < f.config.PreciseAccuracyM {
		return pkg.QualityPrecise
	}
	return pkg.QualityApproximate
}
