// Package limits implements the two-level collection quota ledger.
//
// Every candidate sample is classified against a global Limits record and
// the per-spec Limits record of its owning sample spec before any bytes
// are read. Classification is order-sensitive: the first matching
// condition wins, so an exhausted global count hides a per-sample or
// total condition that would also fire.
//
// Accumulators are only charged for samples that are within limits.
// Off-limits candidates instead set a sticky flag on the side (global or
// local) their status names. The flags record which caps were tripped;
// Classify does not read them and re-evaluates every candidate.
package limits

// Status classifies a candidate sample against the ledger.
type Status int

const (
	// StatusNoLimits means the global ledger ignores all limits.
	StatusNoLimits Status = iota

	// StatusWithinLimits means the candidate fits every configured limit.
	StatusWithinLimits

	// StatusGlobalCountReached means the run-wide sample count is exhausted.
	StatusGlobalCountReached

	// StatusGlobalPerSampleExceeded means the candidate is larger than the
	// run-wide per-sample byte cap.
	StatusGlobalPerSampleExceeded

	// StatusGlobalTotalReached means collecting the candidate would exceed
	// the run-wide total byte budget.
	StatusGlobalTotalReached

	// StatusLocalCountReached means the spec-local sample count is exhausted.
	StatusLocalCountReached

	// StatusLocalPerSampleExceeded means the candidate is larger than the
	// spec-local per-sample byte cap.
	StatusLocalPerSampleExceeded

	// StatusLocalTotalReached means collecting the candidate would exceed
	// the spec-local total byte budget.
	StatusLocalTotalReached

	// StatusFailedToCompute marks samples whose size could not be
	// determined or whose collection failed mid-stream. Classify never
	// produces it; callers set it on I/O failure.
	StatusFailedToCompute
)

// String returns a short identifier for the status, used in logs.
func (s Status) String() string {
	switch s {
	case StatusNoLimits:
		return "NoLimits"
	case StatusWithinLimits:
		return "WithinLimits"
	case StatusGlobalCountReached:
		return "GlobalSampleCountLimitReached"
	case StatusGlobalPerSampleExceeded:
		return "GlobalMaxBytesPerSample"
	case StatusGlobalTotalReached:
		return "GlobalMaxBytesTotal"
	case StatusLocalCountReached:
		return "LocalSampleCountLimitReached"
	case StatusLocalPerSampleExceeded:
		return "LocalMaxBytesPerSample"
	case StatusLocalTotalReached:
		return "LocalMaxBytesTotal"
	case StatusFailedToCompute:
		return "FailedToComputeLimits"
	default:
		return "UnknownLimitStatus"
	}
}

// Reason returns the operator-facing explanation printed next to a
// skipped sample.
func (s Status) Reason() string {
	switch s {
	case StatusGlobalCountReached:
		return "global sample count limit reached"
	case StatusGlobalPerSampleExceeded:
		return "global per-sample size limit exceeded"
	case StatusGlobalTotalReached:
		return "global total size limit reached"
	case StatusLocalCountReached:
		return "sample count limit reached"
	case StatusLocalPerSampleExceeded:
		return "per-sample size limit exceeded"
	case StatusLocalTotalReached:
		return "total size limit reached"
	case StatusFailedToCompute:
		return "failed to compute limits"
	default:
		return ""
	}
}

// OffLimits reports whether the status excludes the sample from
// collection. NoLimits and WithinLimits are the only collectable states.
func (s Status) OffLimits() bool {
	return s != StatusNoLimits && s != StatusWithinLimits
}

// Limits is one side of the ledger: the configured caps, the running
// accumulators, and the sticky exhaustion flags.
//
// A zero Limits has no caps configured and never goes off-limits. Caps
// are enabled through their Set flag so that a configured zero is
// distinguishable from unset.
type Limits struct {
	// MaxPerSampleBytes caps the size of any single sample.
	MaxPerSampleBytes    int64
	MaxPerSampleBytesSet bool

	// MaxTotalBytes caps the cumulative collected size.
	MaxTotalBytes    int64
	MaxTotalBytesSet bool

	// MaxSampleCount caps the number of collected samples.
	MaxSampleCount    int64
	MaxSampleCountSet bool

	// IgnoreAll disables every limit on this side.
	IgnoreAll bool

	// Running accumulators, charged only for collected samples.
	BytesTotal  int64
	SampleCount int64

	// Sticky flags set when a candidate first trips the matching cap.
	CountReached      bool
	PerSampleExceeded bool
	TotalReached      bool
}

// Classify evaluates a candidate of the given byte size against the
// global and local ledgers and returns the first matching condition, in
// this fixed order: global ignore, global count, local count, global
// per-sample, global total, local per-sample, local total, within.
//
// Classify never mutates either side and never returns
// StatusFailedToCompute.
func Classify(global, local *Limits, size int64) Status {
	if global.IgnoreAll {
		return StatusNoLimits
	}
	if global.MaxSampleCountSet && global.SampleCount >= global.MaxSampleCount {
		return StatusGlobalCountReached
	}
	if local != nil && local.MaxSampleCountSet && local.SampleCount >= local.MaxSampleCount {
		return StatusLocalCountReached
	}
	if global.MaxPerSampleBytesSet && size > global.MaxPerSampleBytes {
		return StatusGlobalPerSampleExceeded
	}
	if global.MaxTotalBytesSet && global.BytesTotal+size > global.MaxTotalBytes {
		return StatusGlobalTotalReached
	}
	if local != nil {
		if local.MaxPerSampleBytesSet && size > local.MaxPerSampleBytes {
			return StatusLocalPerSampleExceeded
		}
		if local.MaxTotalBytesSet && local.BytesTotal+size > local.MaxTotalBytes {
			return StatusLocalTotalReached
		}
	}
	return StatusWithinLimits
}

// Charge records a collected sample of the given size on both sides.
// Only call Charge for NoLimits or WithinLimits candidates.
func Charge(global, local *Limits, size int64) {
	global.BytesTotal += size
	global.SampleCount++
	if local != nil {
		local.BytesTotal += size
		local.SampleCount++
	}
}

// Mark sets the sticky exhaustion flag named by an off-limits status on
// the side it belongs to. Off-limits samples are never charged.
func Mark(global, local *Limits, status Status) {
	switch status {
	case StatusGlobalCountReached:
		global.CountReached = true
	case StatusGlobalPerSampleExceeded:
		global.PerSampleExceeded = true
	case StatusGlobalTotalReached:
		global.TotalReached = true
	case StatusLocalCountReached:
		if local != nil {
			local.CountReached = true
		}
	case StatusLocalPerSampleExceeded:
		if local != nil {
			local.PerSampleExceeded = true
		}
	case StatusLocalTotalReached:
		if local != nil {
			local.TotalReached = true
		}
	}
}

// ChargeOrMark applies Charge for collectable statuses and Mark for
// off-limits ones. StatusFailedToCompute is neither charged nor marked.
func ChargeOrMark(global, local *Limits, status Status, size int64) {
	switch {
	case status == StatusFailedToCompute:
	case status.OffLimits():
		Mark(global, local, status)
	default:
		Charge(global, local, size)
	}
}
