package service

import (
	"time"

	"github.com/kjstillabower/weather-refresh-service/internal/models"
)

// freshWeather applies the weather window to rows ordered newest first.
// Rows observed in the future are dropped before numbering. Of the rest, row i
// (1-based) is kept when age <= i*window, so older rows get proportionally more
// slack. The read is a hit only when the first remaining row is kept.
func freshWeather(rows []models.WeatherRecord, now time.Time, window time.Duration) ([]models.WeatherRecord, bool) {
	kept := make([]models.WeatherRecord, 0, len(rows))
	n := 0
	for _, r := range rows {
		age := now.Sub(r.ObservedAt)
		if age < 0 {
			continue
		}
		n++
		if age > time.Duration(n)*window {
			if n == 1 {
				return nil, false
			}
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		return nil, false
	}
	return kept, true
}

// freshForecasts keeps rows (ordered latest period first) whose period starts
// at or after local midnight today, and returns them in ascending order.
func freshForecasts(rows []models.ForecastRecord, now time.Time, loc *time.Location) []models.ForecastRecord {
	notBefore := localMidnight(now, loc)
	out := make([]models.ForecastRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if !rows[i].PeriodStart.Before(notBefore) {
			out = append(out, rows[i])
		}
	}
	return out
}

func localMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
