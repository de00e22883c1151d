package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capped(perSample, total, count int64) *Limits {
	l := &Limits{}
	if perSample >= 0 {
		l.MaxPerSampleBytes = perSample
		l.MaxPerSampleBytesSet = true
	}
	if total >= 0 {
		l.MaxTotalBytes = total
		l.MaxTotalBytesSet = true
	}
	if count >= 0 {
		l.MaxSampleCount = count
		l.MaxSampleCountSet = true
	}
	return l
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		global *Limits
		local  *Limits
		size   int64
		want   Status
	}{
		{
			name:   "no caps anywhere",
			global: &Limits{},
			local:  &Limits{},
			size:   1 << 30,
			want:   StatusWithinLimits,
		},
		{
			name:   "ignore all wins over everything",
			global: &Limits{IgnoreAll: true, MaxSampleCountSet: true, MaxSampleCount: 0},
			local:  capped(0, 0, 0),
			size:   10,
			want:   StatusNoLimits,
		},
		{
			name:   "global count exhausted",
			global: func() *Limits { l := capped(-1, -1, 2); l.SampleCount = 2; return l }(),
			local:  &Limits{},
			size:   1,
			want:   StatusGlobalCountReached,
		},
		{
			name:   "local count exhausted",
			global: &Limits{},
			local:  func() *Limits { l := capped(-1, -1, 1); l.SampleCount = 1; return l }(),
			size:   1,
			want:   StatusLocalCountReached,
		},
		{
			name:   "global per-sample cap",
			global: capped(15, -1, -1),
			local:  &Limits{},
			size:   30,
			want:   StatusGlobalPerSampleExceeded,
		},
		{
			name:   "global total budget",
			global: func() *Limits { l := capped(-1, 100, -1); l.BytesTotal = 95; return l }(),
			local:  &Limits{},
			size:   10,
			want:   StatusGlobalTotalReached,
		},
		{
			name:   "local per-sample cap",
			global: &Limits{},
			local:  capped(8, -1, -1),
			size:   9,
			want:   StatusLocalPerSampleExceeded,
		},
		{
			name:   "local total budget",
			global: &Limits{},
			local:  func() *Limits { l := capped(-1, 50, -1); l.BytesTotal = 48; return l }(),
			size:   3,
			want:   StatusLocalTotalReached,
		},
		{
			name:   "exact fit within total",
			global: func() *Limits { l := capped(-1, 100, -1); l.BytesTotal = 90; return l }(),
			local:  &Limits{},
			size:   10,
			want:   StatusWithinLimits,
		},
		{
			name:   "per-sample boundary is inclusive",
			global: capped(15, -1, -1),
			local:  &Limits{},
			size:   15,
			want:   StatusWithinLimits,
		},
		{
			name:   "nil local side",
			global: capped(-1, -1, 1),
			local:  nil,
			size:   1,
			want:   StatusWithinLimits,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.global, tt.local, tt.size)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Order sensitivity: an exhausted global count must hide conditions that
// would also fire further down the evaluation order.
func TestClassifyOrder(t *testing.T) {
	global := capped(5, 10, 1)
	global.SampleCount = 1 // count exhausted
	global.BytesTotal = 10 // total exhausted too
	local := capped(1, 1, 0)

	// Candidate trips every rule; the count rule must win.
	got := Classify(global, local, 100)
	assert.Equal(t, StatusGlobalCountReached, got)

	// With global count headroom the local count fires before global
	// per-sample.
	global2 := capped(5, -1, 10)
	local2 := capped(-1, -1, 0)
	assert.Equal(t, StatusLocalCountReached, Classify(global2, local2, 100))

	// Determinism: repeated evaluation with fixed inputs is stable.
	for range 10 {
		assert.Equal(t, StatusGlobalCountReached, Classify(global, local, 100))
	}
}

func TestChargeAndMark(t *testing.T) {
	global := &Limits{}
	local := &Limits{}

	Charge(global, local, 10)
	Charge(global, local, 20)
	assert.Equal(t, int64(30), global.BytesTotal)
	assert.Equal(t, int64(2), global.SampleCount)
	assert.Equal(t, int64(30), local.BytesTotal)
	assert.Equal(t, int64(2), local.SampleCount)

	Mark(global, local, StatusGlobalTotalReached)
	assert.True(t, global.TotalReached)
	assert.False(t, local.TotalReached)

	Mark(global, local, StatusLocalCountReached)
	assert.True(t, local.CountReached)
	assert.False(t, global.CountReached)

	// Marking never charges.
	assert.Equal(t, int64(30), global.BytesTotal)
	assert.Equal(t, int64(2), global.SampleCount)
}

func TestChargeOrMark(t *testing.T) {
	global := &Limits{}
	local := &Limits{}

	ChargeOrMark(global, local, StatusWithinLimits, 10)
	require.Equal(t, int64(10), global.BytesTotal)

	ChargeOrMark(global, local, StatusNoLimits, 5)
	require.Equal(t, int64(15), global.BytesTotal)

	ChargeOrMark(global, local, StatusGlobalPerSampleExceeded, 1<<20)
	assert.Equal(t, int64(15), global.BytesTotal)
	assert.True(t, global.PerSampleExceeded)

	// FailedToCompute is neither charged nor marked.
	ChargeOrMark(global, local, StatusFailedToCompute, 99)
	assert.Equal(t, int64(15), global.BytesTotal)
	assert.Equal(t, int64(2), global.SampleCount)
	assert.False(t, global.TotalReached)
}

func TestStatusOffLimits(t *testing.T) {
	assert.False(t, StatusNoLimits.OffLimits())
	assert.False(t, StatusWithinLimits.OffLimits())
	for _, s := range []Status{
		StatusGlobalCountReached, StatusGlobalPerSampleExceeded,
		StatusGlobalTotalReached, StatusLocalCountReached,
		StatusLocalPerSampleExceeded, StatusLocalTotalReached,
		StatusFailedToCompute,
	} {
		assert.True(t, s.OffLimits(), s.String())
		assert.NotEmpty(t, s.Reason())
	}
}
