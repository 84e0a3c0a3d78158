package models

import (
	"testing"
	"time"
)

func TestJobStatusTerminal(t *testing.T) {
	cases := []struct {
		status JobStatus
		want   bool
	}{
		{JobStatusPending, false},
		{JobStatusTraining, false},
		{JobStatusTrained, true},
		{JobStatusForecasting, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.want {
			t.Errorf("%s.Terminal() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestWantsForecast(t *testing.T) {
	job := &TrainingJob{}
	if job.WantsForecast() {
		t.Error("job without window wants forecast")
	}
	job.ForecastStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if job.WantsForecast() {
		t.Error("job with half a window wants forecast")
	}
	job.ForecastEnd = job.ForecastStart.AddDate(0, 0, 6)
	if !job.WantsForecast() {
		t.Error("job with full window does not want forecast")
	}
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	b := time.Date(2024, 1, 5, 1, 0, 0, 0, time.UTC)
	if got := DaysBetween(a, b); got != 4 {
		t.Errorf("DaysBetween = %d, want 4 (clock times must not matter)", got)
	}
}

func TestParseDateRoundTrip(t *testing.T) {
	d, err := ParseDate("2024-02-29")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if d.Format(DateLayout) != "2024-02-29" {
		t.Errorf("round trip = %s", d.Format(DateLayout))
	}
	if _, err := ParseDate("2024-13-01"); err == nil {
		t.Error("ParseDate accepted an invalid month")
	}
}
