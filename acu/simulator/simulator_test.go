package simulator

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/acu_interface/acu"
	"github.com/w1xm/acu_interface/faults"
	"github.com/w1xm/acu_interface/internal/clock"
	"github.com/w1xm/acu_interface/spem"
	"github.com/w1xm/acu_interface/trajectory"
)

var start = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newControl(dev acu.Device, c clock.Clock) *acu.Control {
	ctl := acu.NewControl(dev)
	ctl.Clock = c
	ctl.Retry = acu.RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	return ctl
}

func TestPresetSlew(t *testing.T) {
	c := clock.NewFake(start)
	sim := New(c, 180, 45)
	ctl := newControl(sim, c)
	ctx := context.Background()

	require.NoError(t, ctl.GoTo(ctx, 185, 50))
	c.Advance(time.Second)
	st, err := ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, acu.ModePreset, st.AzMode)
	assert.Greater(t, st.Az, 180.0)
	assert.Less(t, st.Az, 185.0)
	assert.InDelta(t, 3.0, st.AzVel, 0.5)

	c.Advance(30 * time.Second)
	st, err = ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 185.0, st.Az)
	assert.Equal(t, 50.0, st.El)
	assert.Equal(t, 0.0, st.AzVel)
	assert.True(t, st.Time.Equal(c.Now()), "ACU time %v, clock %v", st.Time, c.Now())
}

func TestStopDecelerates(t *testing.T) {
	c := clock.NewFake(start)
	sim := New(c, 0, 45)
	ctl := newControl(sim, c)
	ctx := context.Background()
	require.NoError(t, ctl.GoTo(ctx, 90, 45))
	c.Advance(5 * time.Second)
	require.NoError(t, ctl.Stop(ctx))
	c.Advance(100 * time.Millisecond)
	az, _ := sim.Modes()
	assert.Equal(t, acu.ModeStopping, az)
	c.Advance(2 * time.Second)
	az, el := sim.Modes()
	assert.Equal(t, acu.ModeStop, az)
	assert.Equal(t, acu.ModeStop, el)
	assert.Equal(t, 1, sim.Stats().Stops)
}

func TestProgramTrack(t *testing.T) {
	c := clock.NewFake(start)
	sim := New(c, 100, 40)
	ctl := newControl(sim, c)
	ctx := context.Background()

	seq, err := trajectory.Generate(trajectory.LinearTurnaround{AzA: 100, AzB: 110, El: 40, Velocity: 2, Acceleration: 4, Legs: 1},
		trajectory.Params{Start: start.Add(time.Second)})
	require.NoError(t, err)
	pts := trajectory.Collect(seq)

	require.NoError(t, ctl.ClearStack(ctx))
	require.NoError(t, ctl.UploadPtStack(ctx, acu.FormatLines(pts, true)))
	require.NoError(t, ctl.SetMode(ctx, acu.ModeProgramTrack, false))

	st, err := ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, acu.FULL_STACK-len(pts), st.FreeStack)

	c.Advance(4 * time.Second)
	st, err = ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, acu.ModeProgramTrack, st.AzMode)
	assert.InDelta(t, 2.0, st.AzVel, 1e-6)
	assert.Greater(t, st.FreeStack, acu.FULL_STACK-len(pts))

	c.Advance(10 * time.Second)
	st, err = ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 110.0, st.Az)
	assert.Equal(t, acu.FULL_STACK, st.FreeStack)
	stats := sim.Stats()
	assert.Equal(t, len(pts), stats.Consumed)
	assert.Equal(t, len(pts), stats.PeakStack)
}

func TestOverflowRejected(t *testing.T) {
	c := clock.NewFake(start)
	sim := New(c, 0, 45)
	sim.Depth = 5
	var pts []trajectory.Point
	for i := 0; i < 6; i++ {
		pts = append(pts, trajectory.Point{Time: start.Add(time.Duration(i+10) * time.Second), Az: 1, El: 45})
	}
	_, err := sim.UploadPtStack(context.Background(), acu.FormatLines(pts, false))
	assert.ErrorIs(t, err, faults.ErrBufferFault)
	assert.Equal(t, 1, sim.Stats().Overflows)
	assert.Equal(t, 0, sim.Stack())
}

func TestLocalModeRejects(t *testing.T) {
	c := clock.NewFake(start)
	sim := New(c, 0, 45)
	sim.SetRemote(false)
	err := newControl(sim, c).Stop(context.Background())
	require.ErrorIs(t, err, faults.ErrCommandRejected)
	assert.Contains(t, err.Error(), RejectLocal)
}

func TestFailNext(t *testing.T) {
	c := clock.NewFake(start)
	sim := New(c, 0, 45)
	sim.FailNext("values", 2)
	_, err := newControl(sim, c).Status(context.Background())
	require.NoError(t, err)
	calls := sim.Calls()
	assert.Len(t, calls, 3)
}

func TestHTTP(t *testing.T) {
	c := clock.NewFake(start)
	sim := New(c, 10, 20)
	srv := httptest.NewServer(sim.Handler())
	defer srv.Close()
	ctl := newControl(acu.NewHTTPDevice(srv.URL), c)
	ctx := context.Background()

	st, err := ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, st.Az)
	assert.Equal(t, 20.0, st.El)
	assert.True(t, st.Remote)
	assert.Equal(t, acu.ModeStop, st.AzMode)

	require.NoError(t, ctl.GoTo(ctx, 12, 22))
	require.NoError(t, ctl.UploadPtStack(ctx, acu.FormatLines([]trajectory.Point{{Time: start.Add(time.Minute), Az: 1, El: 2}}, false)))
	assert.Equal(t, 1, sim.Stack())
	require.NoError(t, ctl.Write(ctx, "DataSets.Scratch", []byte("hello")))
	v, err := ctl.Values(ctx, "DataSets.Scratch")
	require.NoError(t, err)
	assert.Equal(t, "hello", v["Data"])

	sim.Reject(acu.CmdClearStack, "Failed, stack busy.")
	err = ctl.ClearStack(ctx)
	assert.ErrorIs(t, err, faults.ErrCommandRejected)

	sim.FailNext("values", 10)
	_, err = ctl.Status(ctx)
	assert.ErrorIs(t, err, faults.ErrTransport)

	_, err = ctl.Values(ctx, "DataSets.Missing")
	assert.ErrorIs(t, err, faults.ErrTransport)

	var commands []string
	for _, call := range sim.Calls() {
		if call.Kind == "command" {
			commands = append(commands, call.Text)
		}
	}
	assert.Equal(t, []string{
		"Set Azimuth Elevation 12.0000|22.0000",
		"Set modes of Az and El Preset|Preset",
		"Clear Stack",
	}, commands)
}

func TestSPEMThroughSimulator(t *testing.T) {
	c := clock.NewFake(start)
	sim := New(c, 0, 45)
	ctl := newControl(sim, c)
	client := spem.NewClient(ctl)
	ctx := context.Background()

	want := spem.Coefficients{}.With(spem.IA, 0.3).With(spem.IE, -0.4).With(spem.AN2, 0.1)
	require.NoError(t, client.Set(ctx, want))
	got, err := client.Get(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, got.Get(spem.IA), 1e-9)
	assert.InDelta(t, -0.4, got.Get(spem.IE), 1e-9)
	// AN2 is read-only in the simulated firmware.
	assert.Equal(t, 0.0, got.Get(spem.AN2))

	require.NoError(t, client.SetEnabled(ctx, true))
	on, err := client.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	ready := func(ctx context.Context) (bool, bool, error) {
		st, err := ctl.Status(ctx)
		if err != nil {
			return false, false, err
		}
		return st.Remote, st.AzMode == acu.ModeStop && st.ElMode == acu.ModeStop, nil
	}
	results, err := client.Check(ctx, ready)
	require.NoError(t, err)
	assert.Len(t, results, 5)
	for _, call := range sim.Calls() {
		assert.False(t, strings.HasPrefix(call.Text, "Set modes"), "commissioning must not move the antenna")
	}
}
