package agent

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/colorsort/pkg/robot"
)

func TestAxisCalibration_ToPhysical(t *testing.T) {
	cal := AxisCalibration{
		RangeMin: 1000,
		RangeMax: 3000,
		Min:      -1,
		Max:      7,
	}

	tests := []struct {
		raw      int
		expected float64
	}{
		{1000, -1}, // min -> -1 cm
		{3000, 7},  // max -> 7 cm
		{2000, 3},  // mid
		{1500, 1},
		{2500, 5},
	}

	for _, tt := range tests {
		got := cal.ToPhysical(tt.raw)
		if math.Abs(got-tt.expected) > 0.001 {
			t.Errorf("ToPhysical(%d) = %f, want %f", tt.raw, got, tt.expected)
		}
	}
}

func TestAxisCalibration_ToRaw(t *testing.T) {
	cal := AxisCalibration{
		RangeMin: 1000,
		RangeMax: 3000,
		Min:      -1,
		Max:      7,
	}

	tests := []struct {
		v        float64
		expected int
	}{
		{-1, 1000},
		{7, 3000},
		{3, 2000},
		{1, 1500},
		{9, 3000},  // clamped
		{-5, 1000}, // clamped
	}

	for _, tt := range tests {
		got := cal.ToRaw(tt.v)
		if got != tt.expected {
			t.Errorf("ToRaw(%f) = %d, want %d", tt.v, got, tt.expected)
		}
	}
}

func TestAxisCalibration_Inverted(t *testing.T) {
	cal := AxisCalibration{RangeMin: 3000, RangeMax: 1000, Min: 0, Max: 5}

	if got := cal.ToRaw(5); got != 1000 {
		t.Errorf("ToRaw(5) = %d, want 1000", got)
	}
	if got := cal.ToRaw(10); got != 1000 {
		t.Errorf("ToRaw(10) = %d, want clamp to 1000", got)
	}
}

func TestAxisCalibration_RoundTrip(t *testing.T) {
	cal := AxisCalibration{
		RangeMin: 823,
		RangeMax: 3540,
		Min:      -3,
		Max:      5,
	}

	for raw := cal.RangeMin; raw <= cal.RangeMax; raw += 100 {
		v := cal.ToPhysical(raw)
		back := cal.ToRaw(v)
		if math.Abs(float64(back-raw)) > 1 {
			t.Errorf("Round-trip failed: %d -> %f -> %d", raw, v, back)
		}
	}
}

func TestAxisCalibration_GripperRaw(t *testing.T) {
	cal := AxisCalibration{RangeMin: 1800, RangeMax: 2600}
	assert.Equal(t, 1800, cal.GripperRaw(true))
	assert.Equal(t, 2600, cal.GripperRaw(false))
}

func testCalibration() Calibration {
	return Calibration{
		robot.AxisX:   {ID: 1, RangeMin: 1000, RangeMax: 3000, Min: -1, Max: 8},
		robot.AxisY:   {ID: 2, RangeMin: 1000, RangeMax: 3000, Min: -1, Max: 7},
		robot.AxisZ:   {ID: 3, RangeMin: 1000, RangeMax: 3000, Min: -1, Max: 6},
		robot.Gripper: {ID: 4, RangeMin: 1800, RangeMax: 2600},
	}
}

func TestCalibration_IDs(t *testing.T) {
	ids := testCalibration().IDs()
	expected := []int{1, 2, 3, 4}

	if len(ids) != len(expected) {
		t.Fatalf("IDs returned %d IDs, want %d", len(ids), len(expected))
	}
	for i, id := range ids {
		if id != expected[i] {
			t.Errorf("IDs()[%d] = %d, want %d", i, id, expected[i])
		}
	}
}

func TestCalibration_ByID(t *testing.T) {
	cal := testCalibration()

	name, ac, ok := cal.ByID(3)
	if !ok {
		t.Fatal("ByID(3) returned false")
	}
	if name != robot.AxisZ {
		t.Errorf("ByID(3) returned name %s, want z", name)
	}
	if ac.Max != 6 {
		t.Errorf("ByID(3) returned wrong calibration: %+v", ac)
	}

	if _, _, ok = cal.ByID(99); ok {
		t.Error("ByID(99) should return false")
	}
}

func TestCalibration_Validate(t *testing.T) {
	assert.NoError(t, testCalibration().Validate())

	missing := testCalibration()
	delete(missing, robot.Gripper)
	assert.ErrorContains(t, missing.Validate(), "missing axis gripper")

	dup := testCalibration()
	y := dup[robot.AxisY]
	y.ID = 1
	dup[robot.AxisY] = y
	assert.ErrorContains(t, dup.Validate(), "share servo ID 1")

	flat := testCalibration()
	z := flat[robot.AxisZ]
	z.Max = z.Min
	flat[robot.AxisZ] = z
	assert.Error(t, flat.Validate())
}

func TestCalibration_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.json")
	require.NoError(t, testCalibration().SaveTo(path))

	got, err := LoadCalibration(path)
	require.NoError(t, err)
	assert.Equal(t, testCalibration(), got)
}
