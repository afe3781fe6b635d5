package playback

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum presentation FPS standard deviation
	// as a fraction of the mean. Example: 30 FPS → smooth if stddev < 4.5 FPS
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of the
	// expected interval. Example: 30 FPS (33ms) → smooth if jitter < 6.6ms
	jitterStabilityThreshold = 0.20
)

// Smoothness summarises presentation timing over the recent window.
type Smoothness struct {
	Presented    int           `json:"presented"`
	Window       time.Duration `json:"window_ns"`
	FPSMean      float64       `json:"fps_mean"`
	FPSStdDev    float64       `json:"fps_stddev"`
	FPSMin       float64       `json:"fps_min"`
	FPSMax       float64       `json:"fps_max"`
	JitterMean   float64       `json:"jitter_mean_s"`
	JitterStdDev float64       `json:"jitter_stddev_s"`
	JitterMax    float64       `json:"jitter_max_s"`
	// Smooth is true when FPS stddev < 15% of mean and jitter < 20% of the
	// target interval
	Smooth bool `json:"smooth"`
}

// CalculateSmoothness computes presentation statistics from presentation
// timestamps, measured against the target frame rate.
//
// Unlike a warm-up measurement the expected interval is known (1/targetFPS),
// so jitter is measured against the target rather than the observed mean:
// a player that is steady but slow is not smooth.
func CalculateSmoothness(times []time.Time, targetFPS float64) Smoothness {
	n := len(times)
	if n < 2 || targetFPS <= 0 {
		return Smoothness{Presented: n}
	}

	window := times[n-1].Sub(times[0])
	if window <= 0 {
		return Smoothness{Presented: n}
	}
	fpsMean := float64(n-1) / window.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if interval := times[i].Sub(times[i-1]).Seconds(); interval > 0 {
			instantaneous = append(instantaneous, 1/interval)
		}
	}
	if len(instantaneous) == 0 {
		return Smoothness{Presented: n, Window: window, FPSMean: fpsMean}
	}

	fpsMin, fpsMax := instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		fpsMin = math.Min(fpsMin, fps)
		fpsMax = math.Max(fpsMax, fps)
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(instantaneous)))

	expected := 1 / targetFPS
	jitters := make([]float64, 0, n-1)
	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		j := math.Abs(times[i].Sub(times[i-1]).Seconds() - expected)
		jitters = append(jitters, j)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(len(jitters))

	var jitterSquares float64
	for _, j := range jitters {
		diff := j - jitterMean
		jitterSquares += diff * diff
	}

	return Smoothness{
		Presented:    n,
		Window:       window,
		FPSMean:      fpsMean,
		FPSStdDev:    fpsStdDev,
		FPSMin:       fpsMin,
		FPSMax:       fpsMax,
		JitterMean:   jitterMean,
		JitterStdDev: math.Sqrt(jitterSquares / float64(len(jitters))),
		JitterMax:    jitterMax,
		Smooth:       fpsStdDev < fpsMean*fpsStabilityThreshold && jitterMean < expected*jitterStabilityThreshold,
	}
}
