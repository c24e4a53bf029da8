package lsq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Diagnostics summarises the quality of a converged fit
type Diagnostics struct {
	// Covariance of the parameters, inv(J^T J) scaled by the residual variance
	Covariance *mat.SymDense

	// Correlation is the covariance normalised by the parameter standard errors
	Correlation *mat.SymDense

	// Condition number of the covariance matrix
	Condition float64

	// PositiveSemiDefinite is false when the covariance has a clearly negative eigenvalue
	PositiveSemiDefinite bool
}

// Covariance estimates the parameter covariance from the Jacobian at the
// solution. Small singular values are truncated the same way a
// pseudo-inverse would, so a rank deficient Jacobian still yields a matrix.
func Covariance(res *Result) (*Diagnostics, error) {
	if res == nil || res.Jacobian == nil {
		return nil, fmt.Errorf("covariance needs a fit result with a Jacobian")
	}
	m, n := res.Jacobian.Dims()

	var svd mat.SVD
	if ok := svd.Factorize(res.Jacobian, mat.SVDThin); !ok {
		return nil, fmt.Errorf("singular value decomposition of the Jacobian failed")
	}
	values := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	threshold := 0.0
	if len(values) > 0 {
		threshold = 2.220446049250313e-16 * float64(max(m, n)) * values[0]
	}

	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sum := 0.0
			for k, s := range values {
				if s <= threshold {
					continue
				}
				sum += v.At(i, k) * v.At(j, k) / (s * s)
			}
			cov.SetSym(i, j, sum)
		}
	}

	// With no degrees of freedom the covariance is undefined
	if m <= n {
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				cov.SetSym(i, j, math.Inf(1))
			}
		}
		return &Diagnostics{
			Covariance:  cov,
			Correlation: Correlation(cov),
			Condition:   math.Inf(1),
		}, nil
	}
	cov.ScaleSym(res.Cost/float64(m-n), cov)

	return &Diagnostics{
		Covariance:           cov,
		Correlation:          Correlation(cov),
		Condition:            mat.Cond(cov, 2),
		PositiveSemiDefinite: isPSD(cov),
	}, nil
}

// Correlation converts a covariance matrix into a correlation matrix
func Correlation(cov *mat.SymDense) *mat.SymDense {
	n := cov.SymmetricDim()
	sd := make([]float64, n)
	for i := range sd {
		sd[i] = math.Sqrt(cov.At(i, i))
	}
	cor := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cor.SetSym(i, j, cov.At(i, j)/(sd[i]*sd[j]))
		}
	}
	return cor
}

func isPSD(cov *mat.SymDense) bool {
	var eig mat.EigenSym
	if ok := eig.Factorize(cov, false); !ok {
		return false
	}
	values := eig.Values(nil)
	largest := 0.0
	for _, e := range values {
		largest = math.Max(largest, math.Abs(e))
	}
	for _, e := range values {
		if math.IsNaN(e) || e < -1e-10*largest {
			return false
		}
	}
	return true
}
