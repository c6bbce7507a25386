package timezone

import (
	"time"
	_ "time/tzdata"
)

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("Asia/Seoul")
	if err != nil {
		panic(err)
	}
}

// the source site and the ERP both bucket documents by the KST calendar day,
// timestamps shown to operators must agree with them regardless of where the
// process runs.
func Now() time.Time {
	return time.Now().In(Location)
}

// Stamp formats a time the way the control page displays it.
func Stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(Location).Format("2006-01-02 15:04:05")
}

// FileStamp is Stamp without characters that are awkward in file names.
func FileStamp(t time.Time) string {
	return t.In(Location).Format("20060102_150405")
}
