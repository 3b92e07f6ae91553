package consensus

import (
	"math/big"
	"time"
)

// precisionConstant scales the fixed point arithmetic the linear
// retargeting algorithm runs in.
var precisionConstant = big.NewInt(1_000_000_000)

// Sample is one retargeting data point: the header at a sampled height.
type Sample struct {
	Height     int64
	Timestamp  int64
	Difficulty *big.Int
}

// DifficultyController computes the required difficulty for the next
// block by least-squares extrapolation of per-epoch effective
// difficulties.
type DifficultyController struct {
	InitialDifficulty    *big.Int
	EpochLength          int64
	RetargetingEpochsQty int
	DesiredBlockInterval time.Duration
}

// HeightsForRetargetingAt returns the heights to sample when computing
// the difficulty of the block after the specified height: up to
// RetargetingEpochsQty heights spaced EpochLength apart ending at the
// specified height, oldest first.
func (dc DifficultyController) HeightsForRetargetingAt(height int64) []int64 {
	var heights []int64
	for i := 0; i < dc.RetargetingEpochsQty; i++ {
		h := height - int64(i)*dc.EpochLength
		if h < 1 {
			break
		}
		heights = append(heights, h)
	}

	// Oldest first.
	for i, j := 0, len(heights)-1; i < j; i, j = i+1, j-1 {
		heights[i], heights[j] = heights[j], heights[i]
	}
	return heights
}

// Difficulty retargets from the sampled headers. With fewer samples
// than a full window the highest sample's difficulty passes through
// unchanged.
func (dc DifficultyController) Difficulty(samples []Sample) *big.Int {
	if len(samples) == 0 {
		return new(big.Int).Set(dc.InitialDifficulty)
	}
	if len(samples) < dc.RetargetingEpochsQty || len(samples) < 2 {
		return new(big.Int).Set(samples[len(samples)-1].Difficulty)
	}

	// Between consecutive samples the effective difficulty is the end
	// sample's difficulty corrected by how far the real interval
	// deviated from the desired one.
	desired := big.NewInt(dc.DesiredBlockInterval.Milliseconds() * dc.EpochLength)

	xs := make([]int64, 0, len(samples)-1)
	ys := make([]*big.Int, 0, len(samples)-1)

	for i := 1; i < len(samples); i++ {
		start, end := samples[i-1], samples[i]

		elapsed := end.Timestamp - start.Timestamp
		if elapsed <= 0 {
			elapsed = 1
		}

		effective := new(big.Int).Mul(end.Difficulty, desired)
		effective.Div(effective, big.NewInt(elapsed))

		xs = append(xs, end.Height)
		ys = append(ys, effective)
	}

	predictAt := xs[len(xs)-1] + dc.EpochLength
	predicted := interpolate(xs, ys, predictAt)

	if predicted.Cmp(big.NewInt(1)) < 0 {
		return new(big.Int).Set(dc.InitialDifficulty)
	}
	return predicted
}

// =============================================================================

// interpolate fits y = a + b*x by least squares over the data points in
// fixed point arithmetic and evaluates the fit at x0.
func interpolate(xs []int64, ys []*big.Int, x0 int64) *big.Int {
	n := big.NewInt(int64(len(xs)))

	sumX := new(big.Int)
	sumY := new(big.Int)
	sumXY := new(big.Int)
	sumXX := new(big.Int)

	for i, xi := range xs {
		x := big.NewInt(xi)
		sumX.Add(sumX, x)
		sumY.Add(sumY, ys[i])
		sumXY.Add(sumXY, new(big.Int).Mul(x, ys[i]))
		sumXX.Add(sumXX, new(big.Int).Mul(x, x))
	}

	// b = (n*Σxy − Σx*Σy) / (n*Σx² − (Σx)²), scaled for precision.
	bNum := new(big.Int).Sub(
		new(big.Int).Mul(n, sumXY),
		new(big.Int).Mul(sumX, sumY),
	)
	bDen := new(big.Int).Sub(
		new(big.Int).Mul(n, sumXX),
		new(big.Int).Mul(sumX, sumX),
	)
	if bDen.Sign() == 0 {
		// Degenerate sampling; fall back to the mean.
		return new(big.Int).Div(sumY, n)
	}

	b := new(big.Int).Mul(bNum, precisionConstant)
	b.Div(b, bDen)

	// a = (Σy − b*Σx) / n, still scaled.
	a := new(big.Int).Mul(sumY, precisionConstant)
	a.Sub(a, new(big.Int).Mul(b, sumX))
	a.Div(a, n)

	// y(x0) = a + b*x0, scaled back down.
	y := new(big.Int).Mul(b, big.NewInt(x0))
	y.Add(y, a)
	y.Div(y, precisionConstant)

	return y
}
