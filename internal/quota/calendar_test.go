package quota

import (
	"testing"
	"time"
)

func TestCalendarUsesConfiguredTimeZone(t *testing.T) {
	cal, err := NewCalendar("Asia/Seoul")
	if err != nil {
		t.Fatalf("new calendar: %v", err)
	}

	// 15:30 UTC is already the next day in Seoul (UTC+9).
	cal.now = func() time.Time {
		return time.Date(2026, 10, 18, 15, 30, 0, 0, time.UTC)
	}
	if got := cal.Today(); got != "2026-10-19" {
		t.Fatalf("expected 2026-10-19, got %s", got)
	}

	cal.now = func() time.Time {
		return time.Date(2026, 10, 18, 14, 59, 0, 0, time.UTC)
	}
	if got := cal.Today(); got != "2026-10-18" {
		t.Fatalf("expected 2026-10-18, got %s", got)
	}
}

func TestNewCalendarRejectsUnknownZone(t *testing.T) {
	if _, err := NewCalendar("Mars/Olympus_Mons"); err == nil {
		t.Fatal("expected error for unknown time zone")
	}
}
