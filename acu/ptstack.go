package acu

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/w1xm/acu_interface/faults"
	"github.com/w1xm/acu_interface/trajectory"
)

// FormatTime renders t in the program-track time format
// "DDD, HH:MM:SS.ffffff", rounded to the microsecond.
func FormatTime(t time.Time) string {
	t = t.UTC().Round(time.Microsecond)
	return fmt.Sprintf("%03d, %02d:%02d:%02d.%06d", t.YearDay(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1000)
}

// FormatLine renders a single program-track line, including the trailing
// CRLF. The extended form adds velocities and profile flags.
func FormatLine(pt trajectory.Point, extended bool) string {
	if extended {
		return fmt.Sprintf("%s;%.4f;%.4f;%.4f;%.4f;%d;%d\r\n", FormatTime(pt.Time), pt.Az, pt.El, pt.AzVel, pt.ElVel, pt.AzFlag, pt.ElFlag)
	}
	return fmt.Sprintf("%s;%.4f;%.4f\r\n", FormatTime(pt.Time), pt.Az, pt.El)
}

// FormatLines renders a batch as one upload payload.
func FormatLines(pts []trajectory.Point, extended bool) string {
	var b strings.Builder
	for _, pt := range pts {
		b.WriteString(FormatLine(pt, extended))
	}
	return b.String()
}

// ParseLine decodes a program-track line in either form. now resolves the
// year the same way Timecode does.
func ParseLine(line string, now time.Time) (trajectory.Point, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, ";")
	if len(fields) != 3 && len(fields) != 7 {
		return trajectory.Point{}, faults.Validationf("program track line %q: %d fields", line, len(fields))
	}
	var doy, h, m int
	var sec float64
	if _, err := fmt.Sscanf(fields[0], "%d, %d:%d:%f", &doy, &h, &m, &sec); err != nil {
		return trajectory.Point{}, faults.Validationf("program track time %q: %v", fields[0], err)
	}
	acutime := float64(doy) + (float64(h)*3600+float64(m)*60+sec)/day.Seconds()
	pt := trajectory.Point{Time: Timecode(acutime, now)}
	floats := []*float64{&pt.Az, &pt.El}
	if len(fields) == 7 {
		floats = append(floats, &pt.AzVel, &pt.ElVel)
	}
	for i, dst := range floats {
		f, err := strconv.ParseFloat(strings.TrimSpace(fields[i+1]), 64)
		if err != nil {
			return trajectory.Point{}, faults.Validationf("program track line %q: %v", line, err)
		}
		*dst = f
	}
	if len(fields) == 7 {
		for i, dst := range []*int{&pt.AzFlag, &pt.ElFlag} {
			n, err := strconv.Atoi(strings.TrimSpace(fields[5+i]))
			if err != nil {
				return trajectory.Point{}, faults.Validationf("program track line %q: %v", line, err)
			}
			*dst = n
		}
	}
	return pt, nil
}
