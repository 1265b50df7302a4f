package accountant

import (
	"math"
)

// logTermCutoff stops the fractional-order series once both tails fall
// below exp(-30).
const logTermCutoff = -30

// DefaultOrders are the Rényi orders the accountant tracks.
var DefaultOrders = defaultOrders()

func defaultOrders() []float64 {
	orders := make([]float64, 0, 99+52)
	for x := 1; x < 100; x++ {
		orders = append(orders, 1+float64(x)/10)
	}
	for a := 12; a < 64; a++ {
		orders = append(orders, float64(a))
	}

	return orders
}

// SampledGaussianRDP returns the Rényi divergence at each order for one step
// of the Gaussian mechanism with noise multiplier sigma applied to a
// Poisson-subsampled batch with ratio q.
func SampledGaussianRDP(q, sigma float64, orders []float64) []float64 {
	rdp := make([]float64, len(orders))
	for i, alpha := range orders {
		rdp[i] = sampledGaussianRDP(q, sigma, alpha)
	}

	return rdp
}

func sampledGaussianRDP(q, sigma, alpha float64) float64 {
	switch {
	case q == 0:
		return 0
	case sigma == 0:
		return math.Inf(1)
	case q == 1:
		return alpha / (2 * sigma * sigma)
	case math.IsInf(alpha, 1):
		return math.Inf(1)
	}

	var logA float64
	if alpha == math.Trunc(alpha) {
		logA = logAInt(q, sigma, int(alpha))
	} else {
		logA = logAFrac(q, sigma, alpha)
	}

	return logA / (alpha - 1)
}

// logAInt expands A_alpha as a finite binomial sum for integer orders.
func logAInt(q, sigma float64, alpha int) float64 {
	logA := math.Inf(-1)
	logQ, log1mQ := math.Log(q), math.Log1p(-q)
	for i := 0; i <= alpha; i++ {
		fi := float64(i)
		s := logBinom(float64(alpha), fi) + fi*logQ + float64(alpha-i)*log1mQ + (fi*fi-fi)/(2*sigma*sigma)
		logA = logAdd(logA, s)
	}

	return logA
}

// logAFrac evaluates A_alpha for fractional orders with the two-sided series
// split at z0, stopping once both tails are negligible.
func logAFrac(q, sigma, alpha float64) float64 {
	logA0, logA1 := math.Inf(-1), math.Inf(-1)
	logQ, log1mQ := math.Log(q), math.Log1p(-q)
	z0 := sigma*sigma*math.Log(1/q-1) + 0.5
	coef := 1.0

	for i := 0; ; i++ {
		fi := float64(i)
		if i > 0 {
			coef *= (alpha - fi + 1) / fi
		}
		logCoef := math.Log(math.Abs(coef))
		j := alpha - fi

		logT0 := logCoef + fi*logQ + j*log1mQ
		logT1 := logCoef + j*logQ + fi*log1mQ

		logE0 := math.Log(0.5) + logErfc((fi-z0)/(math.Sqrt2*sigma))
		logE1 := math.Log(0.5) + logErfc((z0-j)/(math.Sqrt2*sigma))

		logS0 := logT0 + (fi*fi-fi)/(2*sigma*sigma) + logE0
		logS1 := logT1 + (j*j-j)/(2*sigma*sigma) + logE1

		if coef > 0 {
			logA0 = logAdd(logA0, logS0)
			logA1 = logAdd(logA1, logS1)
		} else {
			logA0 = logSub(logA0, logS0)
			logA1 = logSub(logA1, logS1)
		}

		if math.Max(logS0, logS1) < logTermCutoff {
			break
		}
	}

	return logAdd(logA0, logA1)
}

// EpsilonFromRDP converts accumulated RDP to (epsilon, delta)-DP using the
// tightest order, and returns that order as well.
//
// Each order's bound is floored at its RDP value. Any epsilon above a valid
// bound is itself valid, and the floor keeps the result positive and strictly
// increasing in the RDP even when delta is large enough for the conversion
// term to go negative.
func EpsilonFromRDP(orders, rdp []float64, delta float64) (float64, float64) {
	best, bestOrder := math.Inf(1), math.NaN()
	logDelta := math.Log(delta)
	for i, alpha := range orders {
		if math.IsInf(rdp[i], 1) {
			continue
		}
		eps := rdp[i] - (logDelta+math.Log(alpha))/(alpha-1) + math.Log((alpha-1)/alpha)
		if math.IsNaN(eps) {
			continue
		}
		eps = math.Max(eps, rdp[i])
		if eps < best {
			best, bestOrder = eps, alpha
		}
	}

	return math.Max(best, 0), bestOrder
}

func logBinom(n, k float64) float64 {
	a, _ := math.Lgamma(n + 1)
	b, _ := math.Lgamma(k + 1)
	c, _ := math.Lgamma(n - k + 1)

	return a - b - c
}

func logAdd(x, y float64) float64 {
	a, b := math.Min(x, y), math.Max(x, y)
	if math.IsInf(a, -1) {
		return b
	}

	return math.Log1p(math.Exp(a-b)) + b
}

func logSub(x, y float64) float64 {
	switch {
	case math.IsInf(y, -1):
		return x
	case y >= x:
		return math.Inf(-1)
	}

	return x + math.Log1p(-math.Exp(y-x))
}

// logErfc is log(erfc(x)), switching to the asymptotic series where erfc
// underflows.
func logErfc(x float64) float64 {
	if x < 25 {
		return math.Log(math.Erfc(x))
	}

	x2 := x * x
	series := 1 - 1/(2*x2) + 3/(4*x2*x2) - 15/(8*x2*x2*x2) + 105/(16*x2*x2*x2*x2)

	return -x2 - math.Log(x) - 0.5*math.Log(math.Pi) + math.Log(series)
}
