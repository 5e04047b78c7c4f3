package structure

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeters(t *testing.T) {
	positions := []r3.Vector{
		{Y: 1},
		{},
		{X: 1},
		{X: 1, Z: 1},
		{X: 1, Z: -1},
		{X: 1, Y: 1},
		{X: 3, Y: 4},
	}

	tests := []struct {
		name  string
		meter Meter
		want  float64
	}{
		{name: "right angle", meter: NewAngleMeter("a", 0, 1, 2), want: 90},
		{name: "straight angle", meter: NewAngleMeter("a", 2, 1, 2), want: 0},
		{name: "dihedral negative", meter: NewDihedralMeter("d", 0, 1, 2, 3), want: -90},
		{name: "dihedral positive", meter: NewDihedralMeter("d", 0, 1, 2, 4), want: 90},
		{name: "dihedral cis", meter: NewDihedralMeter("d", 0, 1, 2, 5), want: 0},
		{name: "radius", meter: NewRadiusMeter("r", 1, 6), want: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.meter.bind(positions))
			assert.InDelta(t, tt.want, tt.meter.Measure(positions), 1e-9)
		})
	}
}

func TestMeterDegenerate(t *testing.T) {
	positions := []r3.Vector{{}, {}, {X: 1}}
	assert.Equal(t, 0.0, NewAngleMeter("a", 0, 1, 2).Measure(positions))
}
