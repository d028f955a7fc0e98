package quota

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

const dateLayout = "2006-01-02"

// Calendar computes quota window dates in a fixed time zone.
type Calendar struct {
	loc *time.Location
	now func() time.Time
}

func NewCalendar(timeZone string) (*Calendar, error) {
	timeZone = strings.TrimSpace(timeZone)
	if timeZone == "" {
		timeZone = "Asia/Seoul"
	}
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return nil, fmt.Errorf("load quota time zone %q: %w", timeZone, err)
	}
	return &Calendar{loc: loc, now: time.Now}, nil
}

func (c *Calendar) Today() string {
	return c.DateOf(c.now())
}

func (c *Calendar) DateOf(t time.Time) string {
	return t.In(c.loc).Format(dateLayout)
}

func (c *Calendar) Location() *time.Location {
	return c.loc
}
