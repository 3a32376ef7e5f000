// Package availability turns host availability rules into concrete time slots.
package availability

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

const (
	DefaultHorizonMonths = 1
	dateLayout           = "2006-01-02"
	timeLayout           = "15:04"
)

type SlotStore interface {
	InsertAvailabilityRule(ctx context.Context, rule domain.AvailabilityRule) error
	ExistingSlotTimes(ctx context.Context, availabilityID uuid.UUID) (map[int64]struct{}, error)
	InsertTimeSlots(ctx context.Context, slots []domain.TimeSlot) (int, error)
}

type Expander struct {
	store  SlotStore
	logger observability.Logger
}

func NewExpander(store SlotStore, logger observability.Logger) *Expander {
	return &Expander{store: store, logger: logger}
}

// Expand stores rule and inserts the slots it yields within horizonMonths
// that do not exist yet. It returns how many slots were created, also when it
// fails partway.
func (e *Expander) Expand(ctx context.Context, rule domain.AvailabilityRule, horizonMonths int) (int, error) {
	ctx, span := observability.StartSpan(ctx, "availability.Expand")
	defer span.End()

	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	slots, err := Generate(rule, horizonMonths)
	if err != nil {
		return 0, err
	}
	if err := e.store.InsertAvailabilityRule(ctx, rule); err != nil {
		return 0, err
	}

	existing, err := e.store.ExistingSlotTimes(ctx, rule.ID)
	if err != nil {
		return 0, err
	}
	missing := slots[:0:0]
	for _, s := range slots {
		if _, ok := existing[s.SlotDateTime.Unix()]; !ok {
			missing = append(missing, s)
		}
	}

	created, err := e.store.InsertTimeSlots(ctx, missing)
	observability.SlotsGenerated.Add(float64(created))
	log := e.logger.WithFields(map[string]interface{}{
		"availability_id": rule.ID,
		"experience_id":   rule.ExperienceID,
		"candidates":      len(slots),
		"created":         created,
	})
	if err != nil {
		log.WithError(err).Error("slot generation stopped partway")
		return created, err
	}
	log.Info("slots generated")
	return created, nil
}

// Generate computes the slots of rule in chronological order. One-time rules
// yield slots on StartDate only. Recurring rules walk every calendar day from
// StartDate to min(EndDate, StartDate + horizonMonths) inclusive and keep the
// days whose weekday is listed. Wall-clock times are resolved in the rule's
// timezone here, so DST shifts are fixed at generation time.
func Generate(rule domain.AvailabilityRule, horizonMonths int) ([]domain.TimeSlot, error) {
	if err := Validate(rule); err != nil {
		return nil, err
	}
	if horizonMonths <= 0 {
		horizonMonths = DefaultHorizonMonths
	}
	loc, err := time.LoadLocation(rule.Timezone)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "timezone %q", rule.Timezone), domain.ErrInvalidInput)
	}
	clocks, err := parseTimes(rule.Times)
	if err != nil {
		return nil, err
	}

	y, m, d := rule.StartDate.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	last := start
	if rule.Recurring() {
		last = start.AddDate(0, horizonMonths, 0)
		if rule.EndDate != nil {
			ey, em, ed := rule.EndDate.Date()
			if end := time.Date(ey, em, ed, 0, 0, 0, 0, loc); end.Before(last) {
				last = end
			}
		}
	}

	days := make(map[time.Weekday]bool, len(rule.DaysOfWeek))
	for _, wd := range rule.DaysOfWeek {
		days[wd] = true
	}

	var slots []domain.TimeSlot
	for i := 0; ; i++ {
		day := time.Date(y, m, d+i, 0, 0, 0, 0, loc)
		if day.After(last) {
			break
		}
		if rule.Recurring() && !days[day.Weekday()] {
			continue
		}
		for _, c := range clocks {
			at := time.Date(day.Year(), day.Month(), day.Day(), c.hour, c.minute, 0, 0, loc)
			slots = append(slots, domain.TimeSlot{
				ID:             uuid.New(),
				ExperienceID:   rule.ExperienceID,
				AvailabilityID: rule.ID,
				SlotDateTime:   at,
				SlotDate:       day.Format(dateLayout),
				SlotTime:       c.label,
				MaxCapacity:    rule.MaxCapacity,
				Status:         domain.SlotAvailable,
			})
		}
	}
	return slots, nil
}

func Validate(rule domain.AvailabilityRule) error {
	switch {
	case rule.ExperienceID == uuid.Nil:
		return errors.Wrap(domain.ErrInvalidInput, "experience id is required")
	case rule.StartDate.IsZero():
		return errors.Wrap(domain.ErrInvalidInput, "start date is required")
	case rule.MaxCapacity <= 0:
		return errors.Wrap(domain.ErrInvalidInput, "max capacity must be positive")
	case len(rule.Times) == 0:
		return errors.Wrap(domain.ErrInvalidInput, "at least one time is required")
	case rule.Timezone == "":
		return errors.Wrap(domain.ErrInvalidInput, "timezone is required")
	}
	if rule.EndDate != nil && rule.EndDate.Before(rule.StartDate) {
		return errors.Wrap(domain.ErrInvalidInput, "end date precedes start date")
	}
	for _, wd := range rule.DaysOfWeek {
		if wd < time.Sunday || wd > time.Saturday {
			return errors.Wrapf(domain.ErrInvalidInput, "weekday %d out of range", wd)
		}
	}
	return nil
}

type clock struct {
	hour, minute int
	label        string
}

// parseTimes parses HH:MM strings, dropping duplicates and sorting them.
func parseTimes(times []string) ([]clock, error) {
	seen := make(map[string]bool, len(times))
	out := make([]clock, 0, len(times))
	for _, raw := range times {
		t, err := time.Parse(timeLayout, raw)
		if err != nil {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "time %q is not HH:MM", raw)
		}
		label := t.Format(timeLayout)
		if seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, clock{hour: t.Hour(), minute: t.Minute(), label: label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].label < out[j].label })
	return out, nil
}
