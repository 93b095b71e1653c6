package workload

import (
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
)

// ArrivalSampler generates inter-arrival times for a client.
type ArrivalSampler interface {
	// SampleIAT returns the next inter-arrival time in microseconds (>= 1).
	SampleIAT(rng *rand.Rand) int64
}

// PoissonSampler generates exponentially-distributed inter-arrival times.
type PoissonSampler struct {
	rateMicros float64 // requests per microsecond
}

func (s *PoissonSampler) SampleIAT(rng *rand.Rand) int64 {
	return max(int64(rng.ExpFloat64()/s.rateMicros), 1)
}

// GammaSampler generates Gamma-distributed inter-arrival times. CV > 1
// gives bursty arrivals.
type GammaSampler struct {
	shape float64 // 1/CV²
	scale float64 // CV²/rate in microseconds
}

func (s *GammaSampler) SampleIAT(rng *rand.Rand) int64 {
	return max(int64(gammaRand(rng, s.shape, s.scale)), 1)
}

// gammaRand samples Gamma(shape, scale) with Marsaglia-Tsang, boosting
// shapes below 1 via Gamma(a) = Gamma(a+1) * U^(1/a).
func gammaRand(rng *rand.Rand, shape, scale float64) float64 {
	if shape < 1.0 {
		u := rng.Float64()
		return gammaRand(rng, shape+1.0, scale) * math.Pow(u, 1.0/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*(x*x)*(x*x) {
			return d * v * scale
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v * scale
		}
	}
}

// ConstantArrivalSampler spaces arrivals evenly.
type ConstantArrivalSampler struct {
	iat int64
}

func (s *ConstantArrivalSampler) SampleIAT(_ *rand.Rand) int64 { return s.iat }

// NewArrivalSampler builds the sampler for spec at the given rate.
func NewArrivalSampler(spec ArrivalSpec, ratePerMicrosecond float64) ArrivalSampler {
	if ratePerMicrosecond < 1e-15 {
		ratePerMicrosecond = 1e-15
	}
	switch spec.Process {
	case "gamma":
		cv := 1.0
		if spec.CV != nil && *spec.CV > 0 {
			cv = *spec.CV
		}
		shape := 1.0 / (cv * cv)
		if shape < 0.01 {
			logrus.Warnf("gamma shape %.4f (CV=%.1f) is very small; falling back to poisson", shape, cv)
			return &PoissonSampler{rateMicros: ratePerMicrosecond}
		}
		return &GammaSampler{shape: shape, scale: cv * cv / ratePerMicrosecond}
	case "constant":
		return &ConstantArrivalSampler{iat: max(int64(1/ratePerMicrosecond), 1)}
	default:
		return &PoissonSampler{rateMicros: ratePerMicrosecond}
	}
}
