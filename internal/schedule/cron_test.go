package schedule_test

import (
	"testing"
	"time"

	"botline/internal/schedule"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"*/5 * * * *", "*/5 * * * *", false},
		{"  0  12 * * 1  ", "0 12 * * 1", false},
		{"@hourly", "@hourly", false},
		{"@every 5m", "@every 5m", false},
		{"", "", true},
		{"* * * *", "", true},
		{"* * * * * *", "", true},
		{"61 * * * *", "", true},
	}
	for _, tc := range cases {
		got, err := schedule.Normalize(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Normalize(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Normalize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNextRun(t *testing.T) {
	from := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := schedule.NextRun("0 * * * *", from)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if next.Location() != time.UTC {
		t.Fatalf("next not in UTC")
	}
}
