package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-workflow/internal/apperr"
)

const slotLayout = "2006-01-02 15:04 MST"

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
// Touching endpoints do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// SlotValidator decides whether a proposed booking collides with a doctor's
// existing non-cancelled appointments. Call it inside the transaction that
// writes the booking.
type SlotValidator struct {
	repo Repository
}

func NewSlotValidator(repo Repository) SlotValidator {
	return SlotValidator{repo: repo}
}

func (v SlotValidator) HasConflict(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, error) {
	if !end.After(start) {
		return false, apperr.Validation("endAt must be after startAt")
	}
	ok, err := v.repo.HasOverlap(ctx, doctorID, start, end, exclude)
	if err != nil {
		return false, apperr.Persistence("check doctor availability", err)
	}
	return ok, nil
}

// Check returns a SlotConflict error when the interval is taken.
func (v SlotValidator) Check(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) error {
	conflict, err := v.HasConflict(ctx, doctorID, start, end, exclude)
	if err != nil {
		return err
	}
	if conflict {
		return slotTaken(start, end)
	}
	return nil
}

func slotTaken(start, end time.Time) error {
	return apperr.SlotConflict("time slot taken: doctor already has an appointment overlapping %s - %s",
		start.UTC().Format(slotLayout), end.UTC().Format(slotLayout))
}
