package plan_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rudaq/internal/daqerr"
	"rudaq/internal/plan"
)

func drain(seq plan.Sequence) []plan.Command {
	var out []plan.Command
	for {
		c, ok := seq.Next()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}

func TestLineScanMovesThroughEvenlySpacedPoints(t *testing.T) {
	p, err := plan.NewLineScan("motor", 0, 10, 11, "meter", nil, nil)
	require.NoError(t, err)
	cmds := drain(p.Commands())
	require.Len(t, cmds, 22) // 11 move + 11 read

	for i := 0; i < 11; i++ {
		move := cmds[i*2]
		read := cmds[i*2+1]
		assert.Equal(t, plan.CmdMove, move.Kind)
		assert.Equal(t, float64(i), move.Value)
		assert.Equal(t, plan.CmdRead, read.Kind)
		assert.Equal(t, []string{"motor", "meter"}, read.ReadDeviceIDs)
	}
}

func TestLineScanRejectsInvalidPoints(t *testing.T) {
	_, err := plan.NewLineScan("motor", 0, 10, 0, "meter", nil, nil)
	require.Error(t, err)
	assert.True(t, daqerr.Is(err, daqerr.KindValidation))
}

func TestGridScanSnakeOrder(t *testing.T) {
	p, err := plan.NewGridScan("x", 0, 2, 3, "y", 0, 1, 2, "det", nil, nil)
	require.NoError(t, err)
	cmds := drain(p.Commands())

	var points [][2]float64
	var xv, yv float64
	for _, c := range cmds {
		switch c.Kind {
		case plan.CmdMove:
			if c.DeviceID == "x" {
				xv = c.Value
			} else if c.DeviceID == "y" {
				yv = c.Value
			}
		case plan.CmdRead:
			points = append(points, [2]float64{xv, yv})
		}
	}

	expected := [][2]float64{{0, 0}, {1, 0}, {2, 0}, {2, 1}, {1, 1}, {0, 1}}
	assert.Equal(t, expected, points)
}

func TestTimeSeriesWaitsBetweenSamples(t *testing.T) {
	p, err := plan.NewTimeSeries("meter", 50*time.Millisecond, 3, nil, nil)
	require.NoError(t, err)
	cmds := drain(p.Commands())
	require.Len(t, cmds, 5) // read, wait, read, wait, read

	assert.Equal(t, plan.CmdRead, cmds[0].Kind)
	assert.Equal(t, plan.CmdWait, cmds[1].Kind)
	assert.Equal(t, 50*time.Millisecond, cmds[1].Duration)
	assert.Equal(t, plan.CmdRead, cmds[2].Kind)
}

func TestRegistryBuildsLineScanFromDescriptor(t *testing.T) {
	r := plan.NewRegistry()
	p, err := r.Build(plan.Descriptor{
		PlanType:      "line_scan",
		Parameters:    map[string]any{"start": 0.0, "stop": 10.0, "points": 11},
		DeviceMapping: map[string]string{"device": "motor", "detector": "meter"},
	})
	require.NoError(t, err)
	assert.Equal(t, "line_scan", p.Name())
	assert.Len(t, drain(p.Commands()), 22)
}

func TestRegistryUnknownPlanType(t *testing.T) {
	r := plan.NewRegistry()
	_, err := r.Build(plan.Descriptor{PlanType: "nonexistent"})
	require.Error(t, err)
	assert.True(t, daqerr.Is(err, daqerr.KindNotFound))
}

func TestRegistryMissingDeviceMappingIsValidationError(t *testing.T) {
	r := plan.NewRegistry()
	_, err := r.Build(plan.Descriptor{
		PlanType:   "line_scan",
		Parameters: map[string]any{"start": 0.0, "stop": 10.0, "points": 11},
	})
	require.Error(t, err)
	assert.True(t, daqerr.Is(err, daqerr.KindValidation))
}
