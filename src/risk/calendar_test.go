package risk

import (
	"testing"
	"time"
)

func nyDate(year int, month time.Month, day, hour int) time.Time {
	loc, _ := time.LoadLocation("America/New_York")
	return time.Date(year, month, day, hour, 0, 0, 0, loc)
}

func TestIsMarketHoliday(t *testing.T) {
	tests := []struct {
		name string
		date time.Time
		want bool
	}{
		{"New Year's Day", nyDate(2024, time.January, 1, 10), true},
		{"MLK Day 2024", nyDate(2024, time.January, 15, 10), true},
		{"Presidents Day 2024", nyDate(2024, time.February, 19, 10), true},
		{"Good Friday 2024", nyDate(2024, time.March, 29, 10), true},
		{"Memorial Day 2024", nyDate(2024, time.May, 27, 10), true},
		{"Juneteenth 2024", nyDate(2024, time.June, 19, 10), true},
		{"Independence Day observed 2026", nyDate(2026, time.July, 3, 10), true},
		{"Labor Day 2024", nyDate(2024, time.September, 2, 10), true},
		{"Thanksgiving 2024", nyDate(2024, time.November, 28, 10), true},
		{"Christmas observed 2022", nyDate(2022, time.December, 26, 10), true},
		{"regular Tuesday", nyDate(2024, time.March, 12, 10), false},
		{"day after Thanksgiving", nyDate(2024, time.November, 29, 10), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMarketHoliday(tt.date); got != tt.want {
				t.Fatalf("IsMarketHoliday(%s) = %v, want %v", tt.date.Format("2006-01-02"), got, tt.want)
			}
		})
	}
}

func TestIsTradingDay(t *testing.T) {
	if IsTradingDay(nyDate(2024, time.March, 16, 10)) {
		t.Fatal("Saturday should not be a trading day")
	}
	if IsTradingDay(nyDate(2024, time.July, 4, 10)) {
		t.Fatal("Independence Day should not be a trading day")
	}
	if !IsTradingDay(nyDate(2024, time.March, 12, 10)) {
		t.Fatal("regular Tuesday should be a trading day")
	}
}

func TestIsRegularSession(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	open := time.Date(2024, time.March, 12, 9, 30, 0, 0, loc)
	if !IsRegularSession(open) {
		t.Fatal("09:30 ET should be inside the session")
	}
	if IsRegularSession(open.Add(-time.Minute)) {
		t.Fatal("09:29 ET should be outside the session")
	}
	if IsRegularSession(time.Date(2024, time.March, 12, 16, 0, 0, 0, loc)) {
		t.Fatal("16:00 ET should be outside the session")
	}
}

func TestTradingDayUsesNewYorkDate(t *testing.T) {
	// 02:00 UTC on the 13th is still the 12th in New York.
	utc := time.Date(2024, time.March, 13, 2, 0, 0, 0, time.UTC)
	if got := TradingDay(utc); got != "2024-03-12" {
		t.Fatalf("TradingDay = %s, want 2024-03-12", got)
	}
}

func TestDayStart(t *testing.T) {
	utc := time.Date(2024, time.March, 13, 2, 0, 0, 0, time.UTC)
	start := DayStart(utc)
	if got := start.UTC(); !got.Equal(time.Date(2024, time.March, 12, 4, 0, 0, 0, time.UTC)) {
		t.Fatalf("DayStart = %s, want 2024-03-12 04:00 UTC", got)
	}
}
