package fitting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"cmrglu/internal/models"
	"cmrglu/pkg/aif"
	"cmrglu/pkg/compartment"
	"cmrglu/pkg/interpolation"
	"cmrglu/pkg/lsq"
	"cmrglu/pkg/metabolism"
)

var testRates = compartment.Rates{K1: 0.0018, K2: 0.004, K3: 0.002, K4: 0.000128}

const (
	testFlow = 0.01
	testVb   = 0.04
)

// createTestInput builds the shared fitting input with eight frames over an hour
func createTestInput(t *testing.T) Input {
	t.Helper()
	start := []float64{0, 30, 60, 120, 300, 600, 1200, 2400}
	end := []float64{30, 60, 120, 300, 600, 1200, 2400, 3600}
	grid, step, err := interpolation.Grid([]float64{0, 2, 6, 30}, start[0], end[len(end)-1])
	if err != nil {
		t.Fatalf("Failed to build grid: %v", err)
	}
	return Input{
		AIF:        aif.Params{Delay: 12, A1: 14, A2: 22, A3: 21, E1: -0.07, E2: -0.002, E3: -0.00017},
		Timing:     compartment.Timing{Grid: grid, Step: step, Start: start, End: end},
		HalfLife:   1220.04,
		Physiology: metabolism.Physiology{BloodGlucose: 95, TissueDensity: 1.05},
		Local:      lsq.DefaultSettings(),
	}
}

// createTestCurve synthesises a noise-free brain curve from testRates
func createTestCurve(t *testing.T, in Input, delay float64) []float64 {
	t.Helper()
	variant := compartment.NoDelay
	if delay != 0 {
		variant = compartment.WithDelay
	}
	m, err := compartment.New(variant, NewProvider(variant, in, 0), in.Timing)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	return m.Synthesize(nil, testRates.Coefficients(testFlow), delay, testVb)
}

func defaultSearch() Search {
	return Search{
		Lower: []float64{0.2, 0.2, -25},
		Upper: []float64{5, 5, 25},
		Init:  []float64{1, 1, 0},
	}
}

func TestVoxelSearch(t *testing.T) {
	wb := defaultSearch()
	tests := []struct {
		name         string
		opt          []float64
		n            int
		lower, upper []float64
	}{
		{"inside", []float64{1, 1}, 2, []float64{0.4, 1.0 / 3}, []float64{2.5, 3}},
		{"clipped high", []float64{4, 3}, 2, []float64{1.6, 1}, []float64{5, 5}},
		{"clipped low", []float64{0.3, 0.25}, 2, []float64{0.2, 0.2}, []float64{0.75, 0.75}},
		{"delay keeps box", []float64{1, 1, 7}, 3, []float64{0.4, 1.0 / 3, -25}, []float64{2.5, 3, 25}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := VoxelSearch(tt.opt, wb, tt.n)
			for i := 0; i < tt.n; i++ {
				if math.Abs(s.Lower[i]-tt.lower[i]) > 1e-12 || math.Abs(s.Upper[i]-tt.upper[i]) > 1e-12 {
					t.Errorf("Parameter %d: expected [%f,%f], got [%f,%f]", i, tt.lower[i], tt.upper[i], s.Lower[i], s.Upper[i])
				}
				if s.Init[i] != tt.opt[i] {
					t.Errorf("Parameter %d: expected init %f, got %f", i, tt.opt[i], s.Init[i])
				}
			}
		})
	}
}

func TestVoxelSearchNegativeAndZero(t *testing.T) {
	wb := Search{Lower: []float64{-10, -10}, Upper: []float64{10, 10}}
	s := VoxelSearch([]float64{-2, 0}, wb, 2)
	if s.Lower[0] != -5 || s.Upper[0] != -0.8 {
		t.Errorf("Expected [-5,-0.8] for a negative estimate, got [%f,%f]", s.Lower[0], s.Upper[0])
	}
	if s.Lower[1] != -10 || s.Upper[1] != 10 {
		t.Errorf("Expected the whole-brain box for a zero estimate, got [%f,%f]", s.Lower[1], s.Upper[1])
	}
}

func TestFitWholeBrainRecovers(t *testing.T) {
	in := createTestInput(t)
	tac := createTestCurve(t, in, 0)

	wb, err := FitWholeBrain(in, compartment.NoDelay, defaultSearch(), tac, testFlow, testVb)
	if err != nil {
		t.Fatalf("Whole-brain fit failed: %v", err)
	}
	if len(wb.Params) != 2 {
		t.Fatalf("Expected two parameters, got %d", len(wb.Params))
	}

	q := wb.Quantities
	want := []float64{testRates.K1 * 60, testRates.K2 * 60, testRates.K3 * 60, testRates.K4 * 60}
	got := []float64{q.KOne, q.KTwo, q.KThree, q.KFour}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 0.01*want[i] {
			t.Errorf("k%d: expected %g, got %g", i+1, want[i], got[i])
		}
	}
	if wb.Diagnostics == nil || wb.Diagnostics.Covariance == nil {
		t.Error("Expected covariance diagnostics")
	}
	if wb.NRMSD > 1e-6 {
		t.Errorf("Expected a near perfect fit, got nRMSD %g", wb.NRMSD)
	}
}

func TestFitWholeBrainNonConvergenceIsFatal(t *testing.T) {
	in := createTestInput(t)
	in.Local = &lsq.Settings{MaxIterations: 1, FTol: 1e-15, XTol: 1e-15}
	tac := createTestCurve(t, in, 0)

	_, err := FitWholeBrain(in, compartment.NoDelay, defaultSearch(), tac, testFlow, testVb)
	if !errors.Is(err, lsq.ErrNoConvergence) {
		t.Errorf("Expected ErrNoConvergence, got %v", err)
	}
}

// TestFitVoxelsPartialFailure verifies that a zero-flow voxel is counted and
// zero-filled while its neighbours are fitted as if it were absent
func TestFitVoxelsPartialFailure(t *testing.T) {
	in := createTestInput(t)
	tac := createTestCurve(t, in, 0)
	wb, err := FitWholeBrain(in, compartment.NoDelay, defaultSearch(), tac, testFlow, testVb)
	if err != nil {
		t.Fatalf("Whole-brain fit failed: %v", err)
	}

	scaled := make([]float64, len(tac))
	for i := range tac {
		scaled[i] = tac[i] * 1.1
	}
	data := VoxelData{
		TACs:        [][]float64{tac, scaled, tac, scaled, tac},
		Flow:        []float64{testFlow, testFlow, 0, testFlow, testFlow},
		BloodVolume: []float64{testVb, testVb, testVb, testVb, testVb},
	}
	res, err := FitVoxels(context.Background(), in, wb, data, VoxelOptions{Workers: 3})
	if err != nil {
		t.Fatalf("Voxel fit failed: %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("Expected exactly one failed voxel, got %d", res.Failed)
	}
	if res.States[2].Converged || res.States[2].Quantities != (models.Quantities{}) {
		t.Errorf("Expected the degenerate voxel to stay zero-filled, got %+v", res.States[2])
	}

	clean := VoxelData{
		TACs:        [][]float64{tac, scaled, scaled, tac},
		Flow:        []float64{testFlow, testFlow, testFlow, testFlow},
		BloodVolume: []float64{testVb, testVb, testVb, testVb},
	}
	ref, err := FitVoxels(context.Background(), in, wb, clean, VoxelOptions{Workers: 1})
	if err != nil {
		t.Fatalf("Reference voxel fit failed: %v", err)
	}
	pairs := [][2]int{{0, 0}, {1, 1}, {3, 2}, {4, 3}}
	for _, p := range pairs {
		got, want := res.States[p[0]], ref.States[p[1]]
		if !got.Converged {
			t.Errorf("Voxel %d: expected convergence", p[0])
			continue
		}
		if got.Quantities != want.Quantities {
			t.Errorf("Voxel %d: quantities differ from the clean run", p[0])
		}
	}

	k1 := res.States[0].Quantities.KOne
	if math.Abs(k1-testRates.K1*60) > 0.01*testRates.K1*60 {
		t.Errorf("Expected k1 %g, got %g", testRates.K1*60, k1)
	}
}

// checkRates compares fitted rate constants with testRates
func checkRates(t *testing.T, who string, q models.Quantities, tol float64) {
	t.Helper()
	want := []float64{testRates.K1 * 60, testRates.K2 * 60, testRates.K3 * 60, testRates.K4 * 60}
	got := []float64{q.KOne, q.KTwo, q.KThree, q.KFour}
	for i := range want {
		if math.Abs(got[i]-want[i]) > tol*want[i] {
			t.Errorf("%s k%d: expected %g, got %g", who, i+1, want[i], got[i])
		}
	}
}

func TestFitVoxelsDelayParameters(t *testing.T) {
	in := createTestInput(t)
	for _, delay := range []float64{4, -6} {
		t.Run(fmt.Sprintf("delay %g", delay), func(t *testing.T) {
			tac := createTestCurve(t, in, delay)
			wb, err := FitWholeBrain(in, compartment.WithDelay, defaultSearch(), tac, testFlow, testVb)
			if err != nil {
				t.Fatalf("Whole-brain fit failed: %v", err)
			}
			if math.Abs(wb.Delay()-delay) > 1e-3 {
				t.Errorf("Expected whole-brain delay %g s, got %g", delay, wb.Delay())
			}
			checkRates(t, "Whole brain", wb.Quantities, 1e-6)

			data := VoxelData{
				TACs:        [][]float64{tac, tac},
				Flow:        []float64{testFlow, testFlow},
				BloodVolume: []float64{testVb, testVb},
			}
			withDelay, err := FitVoxels(context.Background(), in, wb, data, VoxelOptions{Workers: 2, VoxelDelay: true})
			if err != nil {
				t.Fatalf("Voxel fit failed: %v", err)
			}
			if withDelay.NumParams != 3 {
				t.Errorf("Expected three voxel parameters with voxel delay, got %d", withDelay.NumParams)
			}
			if withDelay.Failed != 0 {
				t.Errorf("Expected every voxel to converge, got %d failures", withDelay.Failed)
			}
			for i, s := range withDelay.States {
				checkRates(t, fmt.Sprintf("Voxel %d", i), s.Quantities, 1e-6)
				if math.Abs(s.Quantities.Delay-delay/60) > 1e-3/60 {
					t.Errorf("Voxel %d: expected delay %g min, got %g", i, delay/60, s.Quantities.Delay)
				}
			}

			fixed, err := FitVoxels(context.Background(), in, wb, data, VoxelOptions{Workers: 2})
			if err != nil {
				t.Fatalf("Voxel fit failed: %v", err)
			}
			if fixed.NumParams != 2 {
				t.Errorf("Expected two voxel parameters with a fixed delay, got %d", fixed.NumParams)
			}
			for i, s := range fixed.States {
				checkRates(t, fmt.Sprintf("Fixed-delay voxel %d", i), s.Quantities, 1e-4)
				if s.Quantities.Delay != 0 {
					t.Errorf("Voxel %d: expected no delay output, got %f", i, s.Quantities.Delay)
				}
			}
		})
	}
}

func TestFitVoxelsCancelled(t *testing.T) {
	in := createTestInput(t)
	tac := createTestCurve(t, in, 0)
	wb, err := FitWholeBrain(in, compartment.NoDelay, defaultSearch(), tac, testFlow, testVb)
	if err != nil {
		t.Fatalf("Whole-brain fit failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	data := VoxelData{
		TACs:        [][]float64{tac},
		Flow:        []float64{testFlow},
		BloodVolume: []float64{testVb},
	}
	if _, err := FitVoxels(ctx, in, wb, data, VoxelOptions{Workers: 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestFitVoxelsMismatchedInputs(t *testing.T) {
	in := createTestInput(t)
	wb := &WholeBrainResult{Variant: compartment.NoDelay, Params: []float64{1, 1}, Search: defaultSearch().Truncate(2)}
	data := VoxelData{TACs: make([][]float64, 2), Flow: []float64{1}, BloodVolume: []float64{1, 1}}
	if _, err := FitVoxels(context.Background(), in, wb, data, VoxelOptions{}); err == nil {
		t.Error("Expected an error for mismatched voxel inputs")
	}
}

func TestSummarize(t *testing.T) {
	states := []models.VoxelKineticState{
		{Converged: true, Quantities: models.Quantities{CMRGlu: 20}},
		{Converged: false},
		{Converged: true, Quantities: models.Quantities{CMRGlu: 30}},
	}
	s := Summarize(states)
	if s.Count != 2 || s.Mean != 25 {
		t.Errorf("Expected 2 voxels with mean 25, got %d with mean %f", s.Count, s.Mean)
	}
	if math.Abs(s.StdDev-math.Sqrt(50)) > 1e-12 {
		t.Errorf("Expected standard deviation %f, got %f", math.Sqrt(50), s.StdDev)
	}
}

func TestPlanWorkers(t *testing.T) {
	if w := PlanWorkers(16, 10, 5); w != 1 {
		t.Errorf("Expected one worker for a single chunk, got %d", w)
	}
	if w := PlanWorkers(0, 100000, 5); w < 1 {
		t.Errorf("Expected at least one worker, got %d", w)
	}
}
