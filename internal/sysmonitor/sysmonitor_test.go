package sysmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	values []map[string]float64
	i      int
}

func (f *fakeSampler) Sample(ctx context.Context) (map[string]float64, error) {
	if f.i >= len(f.values) {
		return f.values[len(f.values)-1], nil
	}
	v := f.values[f.i]
	f.i++
	return v, nil
}

func TestSnapshotReflectsSamples(t *testing.T) {
	m := New(Config{HistorySize: 10}, nil, nil)
	m.WithSampler(&fakeSampler{values: []map[string]float64{
		{MetricCPUPercent: 10},
		{MetricCPUPercent: 20},
	}})

	m.sampleOnce(context.Background())
	m.sampleOnce(context.Background())

	snap := m.Snapshot(MetricCPUPercent)
	require.Equal(t, []float64{10, 20}, snap)
}

func TestRingBufferIsBounded(t *testing.T) {
	m := New(Config{HistorySize: 3}, nil, nil)
	samples := make([]map[string]float64, 0, 10)
	for i := 0; i < 10; i++ {
		samples = append(samples, map[string]float64{MetricCPUPercent: float64(i)})
	}
	m.WithSampler(&fakeSampler{values: samples})

	for i := 0; i < 10; i++ {
		m.sampleOnce(context.Background())
	}

	snap := m.Snapshot(MetricCPUPercent)
	require.Len(t, snap, 3)
	require.Equal(t, []float64{7, 8, 9}, snap)
}

func TestTrendDetectsIncreasing(t *testing.T) {
	m := New(Config{HistorySize: 30, TrendWindowSize: 10}, nil, nil)
	samples := make([]map[string]float64, 0, 10)
	for i := 0; i < 10; i++ {
		samples = append(samples, map[string]float64{MetricCPUPercent: float64(i) * 5})
	}
	m.WithSampler(&fakeSampler{values: samples})

	for i := 0; i < 10; i++ {
		m.sampleOnce(context.Background())
		time.Sleep(time.Millisecond)
	}

	trend := m.Trend(MetricCPUPercent)
	require.Equal(t, DirectionIncreasing, trend.Direction)
	require.Greater(t, trend.Confidence, 50.0)
}

func TestTrendInsufficientDataBeforeThreeSamples(t *testing.T) {
	m := New(Config{}, nil, nil)
	m.WithSampler(&fakeSampler{values: []map[string]float64{{MetricCPUPercent: 1}}})
	m.sampleOnce(context.Background())

	require.Equal(t, DirectionInsufficient, m.Trend(MetricCPUPercent).Direction)
}

func TestAlertFiresOnThresholdCrossAndRespectsCooldown(t *testing.T) {
	var alerts []Alert
	m := New(Config{
		AlertCooldown: time.Hour,
		Thresholds:    map[string]Threshold{MetricCPUPercent: {Warning: 50, Critical: 90}},
	}, nil, func(a Alert) { alerts = append(alerts, a) })
	m.WithSampler(&fakeSampler{values: []map[string]float64{
		{MetricCPUPercent: 60},
		{MetricCPUPercent: 65},
		{MetricCPUPercent: 95},
	}})

	m.sampleOnce(context.Background())
	m.sampleOnce(context.Background())
	require.Len(t, alerts, 1, "second warning sample suppressed by cooldown")

	m.sampleOnce(context.Background())
	require.Len(t, alerts, 2, "escalation to critical fires despite cooldown")
	require.Equal(t, AlertCritical, alerts[1].Level)
}

func TestPredictRecommendsScaleDownWhenTrendingTowardWarning(t *testing.T) {
	m := New(Config{
		TrendWindowSize:   10,
		PredictionHorizon: time.Minute,
		Thresholds:        map[string]Threshold{MetricCPUPercent: {Warning: 50, Critical: 90}},
	}, nil, nil)
	samples := make([]map[string]float64, 0, 10)
	for i := 0; i < 10; i++ {
		samples = append(samples, map[string]float64{MetricCPUPercent: 30 + float64(i)*2})
	}
	m.WithSampler(&fakeSampler{values: samples})
	for i := 0; i < 10; i++ {
		m.sampleOnce(context.Background())
		time.Sleep(time.Millisecond)
	}

	pred := m.Predict(MetricCPUPercent)
	require.Equal(t, "scale_down", pred.Recommendation)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	m := New(Config{SamplingInterval: time.Millisecond}, nil, nil)
	m.WithSampler(&fakeSampler{values: []map[string]float64{{MetricCPUPercent: 1}}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
