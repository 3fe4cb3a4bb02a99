package scanner

import (
	"time"

	"github.com/djherbis/times"

	"storagejanitor/catalog"
)

type fileTimes struct {
	change time.Time
	birth  *time.Time
}

// statTimes reads change and birth times where the platform records them.
// The change time falls back to mtime.
func statTimes(path string, mtime time.Time) fileTimes {
	result := fileTimes{change: mtime}
	ts, err := times.Stat(path)
	if err != nil {
		return result
	}
	if ts.HasChangeTime() {
		result.change = catalog.Stamp(ts.ChangeTime())
	}
	if ts.HasBirthTime() {
		birth := catalog.Stamp(ts.BirthTime())
		result.birth = &birth
	}
	return result
}
