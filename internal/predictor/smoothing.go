package predictor

import (
	"math"
	"time"

	"github.com/HueCodes/zeno/internal/models"
)

// holtState is the result of double exponential smoothing over a series.
type holtState struct {
	level float64
	trend float64
	// residuals are one-step-ahead errors, oldest first. The first two
	// samples only seed level and trend and produce none.
	residuals []float64
}

func holt(values []float64, alpha, beta float64) holtState {
	s := holtState{}
	if len(values) == 0 {
		return s
	}
	s.level = values[0]
	if len(values) == 1 {
		return s
	}
	s.trend = values[1] - values[0]
	s.level = values[1]

	for i := 2; i < len(values); i++ {
		predicted := s.level + s.trend
		s.residuals = append(s.residuals, values[i]-predicted)

		prevLevel := s.level
		s.level = alpha*values[i] + (1-alpha)*(s.level+s.trend)
		s.trend = beta*(s.level-prevLevel) + (1-beta)*s.trend
	}
	return s
}

func (s holtState) project(steps int) float64 {
	return s.level + float64(steps)*s.trend
}

// anomalous scores the latest residual against the spread of the earlier
// ones.
func (s holtState) anomalous(threshold float64) bool {
	n := len(s.residuals)
	if n < minResiduals+1 {
		return false
	}
	latest := s.residuals[n-1]
	std := math.Max(stddev(s.residuals[:n-1]), minStdDev)
	return math.Abs(latest)/std > threshold
}

// accuracy maps the one-step RMSE relative to the series magnitude onto
// (0, 1].
func (s holtState) accuracy(values []float64) float64 {
	if len(s.residuals) == 0 {
		return 0.5
	}
	var sq float64
	for _, r := range s.residuals {
		sq += r * r
	}
	rmse := math.Sqrt(sq / float64(len(s.residuals)))

	var abs float64
	for _, v := range values {
		abs += math.Abs(v)
	}
	scale := abs/float64(len(values)) + 1
	return 1 / (1 + rmse/scale)
}

// decompose forecasts steps samples ahead as trend plus a periodic
// component. The periodic component is the mean deviation of each bucket of
// the season (hour of day by default) from the overall mean. It needs at
// least one full season of history; coverage reports the share of buckets
// that have samples.
func decompose(cfg Config, obs []models.Observation, steps int) (value, coverage float64, ok bool) {
	n := len(obs)
	if n < 4 {
		return 0, 0, false
	}

	span := obs[n-1].Timestamp.Sub(obs[0].Timestamp)
	seasonal := make([]float64, cfg.SeasonBuckets)
	if span >= cfg.SeasonPeriod {
		var total float64
		for _, o := range obs {
			total += o.Demand()
		}
		mean := total / float64(n)

		sums := make([]float64, cfg.SeasonBuckets)
		counts := make([]int, cfg.SeasonBuckets)
		for _, o := range obs {
			b := bucketOf(cfg, o.Timestamp)
			sums[b] += o.Demand() - mean
			counts[b]++
		}
		filled := 0
		for b := range seasonal {
			if counts[b] > 0 {
				seasonal[b] = sums[b] / float64(counts[b])
				filled++
			}
		}
		coverage = float64(filled) / float64(cfg.SeasonBuckets)
	} else {
		coverage = 0.5
	}

	deseasoned := make([]float64, n)
	for i, o := range obs {
		deseasoned[i] = o.Demand() - seasonal[bucketOf(cfg, o.Timestamp)]
	}

	m := cfg.TrendWindow
	if m > n/2 {
		m = n / 2
	}
	recent := mean(deseasoned[n-m:])
	prior := mean(deseasoned[n-2*m : n-m])
	slope := (recent - prior) / float64(m)

	target := obs[n-1].Timestamp.Add(time.Duration(steps) * cfg.SampleInterval)
	value = recent + slope*(float64(steps)+float64(m-1)/2) + seasonal[bucketOf(cfg, target)]
	return value, coverage, true
}

func bucketOf(cfg Config, t time.Time) int {
	period := cfg.SeasonPeriod.Nanoseconds()
	width := period / int64(cfg.SeasonBuckets)
	if width <= 0 {
		return 0
	}
	offset := t.UnixNano() % period
	if offset < 0 {
		offset += period
	}
	b := int(offset / width)
	if b >= cfg.SeasonBuckets {
		b = cfg.SeasonBuckets - 1
	}
	return b
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sq float64
	for _, x := range xs {
		d := x - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)-1))
}
