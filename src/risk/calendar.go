package risk

import (
	"time"
)

const (
	DaysPerWeek          = 7
	ThirdMondayOffset    = 2
	FourthThursdayOffset = 3
	tradingDayLayout     = "2006-01-02"
)

var nyLocation = loadNewYork()

func loadNewYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// EasternTime converts t to New York time.
func EasternTime(t time.Time) time.Time {
	return t.In(nyLocation)
}

// TradingDay is the New York calendar date of t. The daily loss budget is
// keyed on it.
func TradingDay(t time.Time) string {
	return EasternTime(t).Format(tradingDayLayout)
}

// DayStart is midnight New York time on t's trading day.
func DayStart(t time.Time) time.Time {
	et := EasternTime(t)
	return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, nyLocation)
}

// IsTradingDay reports whether US equity markets open on t's New York date.
func IsTradingDay(t time.Time) bool {
	et := EasternTime(t)
	if et.Weekday() == time.Saturday || et.Weekday() == time.Sunday {
		return false
	}
	return !IsMarketHoliday(et)
}

// IsRegularSession reports whether t falls within 09:30-16:00 New York time
// on a trading day.
func IsRegularSession(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	et := EasternTime(t)
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// IsMarketHoliday reports whether t's date is a full-day NYSE holiday.
func IsMarketHoliday(t time.Time) bool {
	year := t.Year()

	newYearsDay := observed(time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC))

	// Martin Luther King Jr. Day and Presidents' Day
	mlkDay := calculateSpecificMonday(year, time.January, ThirdMondayOffset)
	presidentsDay := calculateSpecificMonday(year, time.February, ThirdMondayOffset)

	goodFriday := easterSunday(year).AddDate(0, 0, -2)

	// Memorial Day, last Monday of May
	memorialDay := time.Date(year, time.May, 31, 0, 0, 0, 0, time.UTC)
	for memorialDay.Weekday() != time.Monday {
		memorialDay = memorialDay.AddDate(0, 0, -1)
	}

	juneteenth := observed(time.Date(year, time.June, 19, 0, 0, 0, 0, time.UTC))
	independenceDay := observed(time.Date(year, time.July, 4, 0, 0, 0, 0, time.UTC))
	laborDay := calculateSpecificMonday(year, time.September, 0)
	thanksgivingDay := calculateSpecificThursday(year, time.November, FourthThursdayOffset)
	christmasDay := observed(time.Date(year, time.December, 25, 0, 0, 0, 0, time.UTC))

	holidays := []time.Time{
		newYearsDay,
		mlkDay,
		presidentsDay,
		goodFriday,
		memorialDay,
		independenceDay,
		laborDay,
		thanksgivingDay,
		christmasDay,
	}
	if year >= 2022 {
		holidays = append(holidays, juneteenth)
	}
	return isDateAmong(t, holidays)
}

// observed moves a Saturday holiday to Friday and a Sunday holiday to Monday.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	default:
		return d
	}
}

// calculateSpecificMonday calculates the specific Monday of a month (like the third Monday).
func calculateSpecificMonday(year int, month time.Month, mondayOffset int) time.Time {
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := int(time.Monday-firstOfMonth.Weekday()+DaysPerWeek) % DaysPerWeek
	return firstOfMonth.AddDate(0, 0, offset+mondayOffset*DaysPerWeek)
}

// calculateSpecificThursday calculates the specific Thursday of a month (like the fourth Thursday).
func calculateSpecificThursday(year int, month time.Month, thursdayOffset int) time.Time {
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := int(time.Thursday-firstOfMonth.Weekday()+DaysPerWeek) % DaysPerWeek
	return firstOfMonth.AddDate(0, 0, offset+thursdayOffset*DaysPerWeek)
}

// easterSunday uses the anonymous Gregorian algorithm.
func easterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// isDateAmong checks if the given date matches any date in the list.
func isDateAmong(t time.Time, dates []time.Time) bool {
	for _, d := range dates {
		if t.Format(tradingDayLayout) == d.Format(tradingDayLayout) {
			return true
		}
	}
	return false
}
