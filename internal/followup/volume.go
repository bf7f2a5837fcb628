package followup

import (
	"fmt"
	"time"

	"github.com/zulandar/relance/internal/models"
	"gorm.io/gorm"
)

// DayCount is the number of attempts made on one day.
type DayCount struct {
	Date   string `json:"date"` // YYYY-MM-DD, UTC
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
}

// WeeklyVolume returns per-day send counts for org over the seven days
// ending on now's date, oldest first. Days without activity are included
// with zero counts.
func WeeklyVolume(db *gorm.DB, org string, now time.Time) ([]DayCount, error) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := today.AddDate(0, 0, -6)
	end := today.AddDate(0, 0, 1)

	var rows []struct {
		Timestamp time.Time
		Outcome   models.Outcome
	}
	err := db.Model(&models.SendRecord{}).
		Select("send_records.timestamp, send_records.outcome").
		Joins("JOIN follow_ups ON follow_ups.id = send_records.follow_up_id").
		Where("follow_ups.organization_id = ?", org).
		Where("send_records.timestamp >= ? AND send_records.timestamp < ?", start, end).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("followup: weekly volume for %s: %w", org, err)
	}

	days := make([]DayCount, 7)
	index := make(map[string]int, 7)
	for i := range days {
		d := start.AddDate(0, 0, i).Format("2006-01-02")
		days[i].Date = d
		index[d] = i
	}
	for _, r := range rows {
		i, ok := index[r.Timestamp.UTC().Format("2006-01-02")]
		if !ok {
			continue
		}
		switch r.Outcome {
		case models.OutcomeSent:
			days[i].Sent++
		case models.OutcomeFailed:
			days[i].Failed++
		}
	}
	return days, nil
}
