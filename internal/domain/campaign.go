package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignKind records how a campaign was submitted.
type CampaignKind string

const (
	CampaignKindSingle    CampaignKind = "single"
	CampaignKindBulk      CampaignKind = "bulk"
	CampaignKindScheduled CampaignKind = "scheduled"
)

// CampaignStatus is derived from the statuses of a campaign's tasks.
type CampaignStatus string

const (
	CampaignStatusPending    CampaignStatus = "pending"
	CampaignStatusInProgress CampaignStatus = "in_progress"
	CampaignStatusCompleted  CampaignStatus = "completed"
	CampaignStatusCancelled  CampaignStatus = "cancelled"
	CampaignStatusPaused     CampaignStatus = "paused"
)

// CampaignState is the operator-controlled run state of a campaign.
type CampaignState string

const (
	CampaignActive CampaignState = "active"
	CampaignPaused CampaignState = "paused"
)

// Campaign is an ordered batch of call tasks sharing rate and concurrency settings.
// Single and scheduled calls are campaigns of one.
type Campaign struct {
	ID                uuid.UUID
	Kind              CampaignKind
	DelayBetweenCalls time.Duration
	ConcurrencyLimit  int
	TotalCalls        int
	Metadata          Metadata
	TimeZone          string
	BusinessHours     []BusinessHourWindow
	RetryPolicy       RetryPolicy
	State             CampaignState
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Paused reports whether dispatch of the campaign's tasks is on hold.
func (c *Campaign) Paused() bool {
	return c.State == CampaignPaused
}

// BusinessHourWindow captures allowed calling window per day of week.
type BusinessHourWindow struct {
	DayOfWeek time.Weekday `json:"day_of_week"`
	Start     time.Time    `json:"start"`
	End       time.Time    `json:"end"`
}

// RetryPolicy defines retry rules for failed dispatch attempts.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Jitter     float64       `json:"jitter"`
}

// WithinBusinessHours reports whether now falls inside one of the campaign's
// calling windows. A campaign without windows, or with an unknown zone, is always open.
func (c *Campaign) WithinBusinessHours(now time.Time) bool {
	if len(c.BusinessHours) == 0 {
		return true
	}

	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return true
	}

	local := now.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()
	weekday := local.Weekday()

	for _, window := range c.BusinessHours {
		start := window.Start.Hour()*60 + window.Start.Minute()
		end := window.End.Hour()*60 + window.End.Minute()

		if end <= start {
			// window spans midnight
			nextDay := time.Weekday((int(window.DayOfWeek) + 1) % 7)
			if window.DayOfWeek == weekday && minuteOfDay >= start {
				return true
			}
			if nextDay == weekday && minuteOfDay < end {
				return true
			}
			continue
		}

		if window.DayOfWeek == weekday && minuteOfDay >= start && minuteOfDay < end {
			return true
		}
	}

	return false
}

// CampaignProgress aggregates task outcomes for a campaign.
type CampaignProgress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// NewCampaignProgress folds per-status counts into progress.
func NewCampaignProgress(counts map[TaskStatus]int) CampaignProgress {
	p := CampaignProgress{
		Pending:   counts[TaskPending],
		Active:    counts[TaskDispatching] + counts[TaskInProgress],
		Succeeded: counts[TaskSucceeded],
		Failed:    counts[TaskFailed],
		Cancelled: counts[TaskCancelled],
	}
	p.Total = p.Pending + p.Active + p.Succeeded + p.Failed + p.Cancelled
	return p
}

// Completed counts tasks in a terminal state.
func (p CampaignProgress) Completed() int {
	return p.Succeeded + p.Failed + p.Cancelled
}

// Percent is the share of terminal tasks, 0..100.
func (p CampaignProgress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed()) * 100 / float64(p.Total)
}

// StatusOf derives the status of a campaign, reporting a paused campaign
// with unfinished tasks as paused.
func (p CampaignProgress) StatusOf(c *Campaign) CampaignStatus {
	status := p.Status()
	if c != nil && c.Paused() && (status == CampaignStatusPending || status == CampaignStatusInProgress) {
		return CampaignStatusPaused
	}
	return status
}

// Status derives the campaign status.
func (p CampaignProgress) Status() CampaignStatus {
	switch {
	case p.Total > 0 && p.Cancelled == p.Total:
		return CampaignStatusCancelled
	case p.Completed() == p.Total:
		return CampaignStatusCompleted
	case p.Active == 0 && p.Completed() == 0:
		return CampaignStatusPending
	default:
		return CampaignStatusInProgress
	}
}
