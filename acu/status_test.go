package acu

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/acu_interface/faults"
	"github.com/w1xm/acu_interface/trajectory"
)

func TestParseStatus(t *testing.T) {
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	base := func() map[string]interface{} {
		return map[string]interface{}{
			keyAzPos:     180.25,
			keyElPos:     "45.5",
			keyAzVel:     0.0,
			keyElVel:     -0.01,
			keyAzMode:    "ProgramTrack",
			keyElMode:    "Stop",
			keyFreeStack: 9880.0,
			keyRemote:    true,
		}
	}
	for _, test := range []struct {
		name   string
		edit   func(map[string]interface{})
		status Status
	}{
		{"basic", func(map[string]interface{}) {}, Status{
			Time: now, Az: 180.25, El: 45.5, ElVel: -0.01,
			AzMode: ModeProgramTrack, ElMode: ModeStop, FreeStack: 9880, Remote: true,
		}},
		{"acu time", func(m map[string]interface{}) { m[keyTime] = 61.5 }, Status{
			Time: time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC),
			Az:   180.25, El: 45.5, ElVel: -0.01,
			AzMode: ModeProgramTrack, ElMode: ModeStop, FreeStack: 9880, Remote: true,
		}},
		{"local and unknown mode", func(m map[string]interface{}) {
			m[keyRemote] = "False"
			m[keyAzMode] = "SurvivalMode"
		}, Status{
			Time: now, Az: 180.25, El: 45.5, ElVel: -0.01,
			AzMode: ModeFault, ElMode: ModeStop, FreeStack: 9880,
		}},
	} {
		t.Run(test.name, func(t *testing.T) {
			raw := base()
			test.edit(raw)
			got, err := ParseStatus(raw, now)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(got, test.status); diff != "" {
				t.Errorf("unexpected status: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestParseStatusMissingKey(t *testing.T) {
	_, err := ParseStatus(map[string]interface{}{keyAzPos: 1.0}, time.Now())
	if !errors.Is(err, faults.ErrTransport) {
		t.Errorf("got %v, want transport error", err)
	}
}

func TestTimecodeYearGuard(t *testing.T) {
	for _, test := range []struct {
		name    string
		acutime float64
		now     time.Time
		want    time.Time
	}{
		// Late-December timestamp read just after New Year.
		{"previous year", 365.5, time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC), time.Date(2025, 12, 31, 12, 0, 0, 0, time.UTC)},
		// Early-January timestamp read just before New Year.
		{"next year", 1.25, time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC), time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)},
		{"same year", 100.0, time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC), time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := Timecode(test.acutime, test.now); !got.Equal(test.want) {
				t.Errorf("Timecode(%v) = %v, want %v", test.acutime, got, test.want)
			}
		})
	}
}

func TestDayOfYearRoundTrip(t *testing.T) {
	at := time.Date(2025, 7, 4, 13, 14, 15, 123456000, time.UTC)
	if got := Timecode(DayOfYear(at), at); !got.Equal(at) {
		t.Errorf("round trip = %v, want %v", got, at)
	}
}

func TestFormatLines(t *testing.T) {
	at := time.Date(2025, 3, 2, 4, 5, 6, 123456789, time.UTC)
	pts := []trajectory.Point{
		{Time: at, Az: 100, El: 40.123456, AzVel: 2, AzFlag: 1},
		{Time: at.Add(100 * time.Millisecond), Az: 100.2, El: 40, AzFlag: 2},
	}
	got := FormatLines(pts, false)
	want := "061, 04:05:06.123457;100.0000;40.1235\r\n061, 04:05:06.223457;100.2000;40.0000\r\n"
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("short form got(-)/want(+):\n%s", diff)
	}
	got = FormatLine(pts[0], true)
	want = "061, 04:05:06.123457;100.0000;40.1235;2.0000;0.0000;1;0\r\n"
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("extended form got(-)/want(+):\n%s", diff)
	}
}

func TestParseLine(t *testing.T) {
	now := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	pt, err := ParseLine("061, 04:05:06.100000;100.0000;40.5000;2.0000;0.0000;1;0\r\n", now)
	if err != nil {
		t.Fatal(err)
	}
	want := trajectory.Point{
		Time: time.Date(2025, 3, 2, 4, 5, 6, 100000000, time.UTC),
		Az:   100, El: 40.5, AzVel: 2, AzFlag: 1,
	}
	if diff := cmp.Diff(pt, want); diff != "" {
		t.Errorf("got(-)/want(+):\n%s", diff)
	}
	if _, err := ParseLine("061, 04:05:06.1;100", now); !errors.Is(err, faults.ErrValidation) {
		t.Errorf("short line: got %v, want validation error", err)
	}
}
