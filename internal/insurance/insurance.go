package insurance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Profile is a patient's coverage for a date range. ValidTo nil means open
// ended. Both bounds are inclusive calendar dates.
type Profile struct {
	ID           uuid.UUID
	PatientID    uuid.UUID
	Insurer      string
	MemberNumber string
	ValidFrom    time.Time
	ValidTo      *time.Time
	IsOmnio      bool
	IsVIP        bool
}

// CoversAll reports whether the profile forces full insurer coverage.
func (p *Profile) CoversAll() bool {
	return p != nil && (p.IsOmnio || p.IsVIP)
}

// ActiveOn reports whether date falls inside the profile's validity range.
func (p Profile) ActiveOn(date time.Time) bool {
	d := dateOnly(date)
	if d.Before(dateOnly(p.ValidFrom)) {
		return false
	}
	return p.ValidTo == nil || !d.After(dateOnly(*p.ValidTo))
}

// Resolution is what billing gets for a patient on a service date. A nil
// Profile is legal; Warning explains why.
type Resolution struct {
	Profile  *Profile
	Fallback bool
	Warning  string
}

type Repository interface {
	ProfilesForPatient(ctx context.Context, patientID uuid.UUID) ([]Profile, error)
}

type Resolver struct {
	repo     Repository
	fallback bool
	log      zerolog.Logger
}

// NewResolver builds a resolver. With fallback enabled a patient without an
// active profile is billed on their most recently expired one.
func NewResolver(repo Repository, fallback bool, log zerolog.Logger) *Resolver {
	return &Resolver{repo: repo, fallback: fallback, log: log}
}

func (r *Resolver) Resolve(ctx context.Context, patientID uuid.UUID, date time.Time) (Resolution, error) {
	profiles, err := r.repo.ProfilesForPatient(ctx, patientID)
	if err != nil {
		return Resolution{}, fmt.Errorf("load insurance profiles: %w", err)
	}

	res := Select(profiles, date, r.fallback)
	if res.Warning != "" {
		r.log.Warn().
			Str("patient_id", patientID.String()).
			Time("service_date", date).
			Bool("fallback", res.Fallback).
			Msg(res.Warning)
	}
	return res, nil
}

// Select picks the profile active on date. Overlapping active profiles are a
// data problem, not a billing blocker: the latest valid_from wins.
func Select(profiles []Profile, date time.Time, fallback bool) Resolution {
	var active []Profile
	for _, p := range profiles {
		if p.ActiveOn(date) {
			active = append(active, p)
		}
	}

	if len(active) > 0 {
		sort.SliceStable(active, func(i, j int) bool {
			return active[i].ValidFrom.After(active[j].ValidFrom)
		})
		chosen := active[0]
		res := Resolution{Profile: &chosen}
		if len(active) > 1 {
			res.Warning = fmt.Sprintf("%d insurance profiles active on the same date, using the latest", len(active))
		}
		return res
	}

	if fallback {
		var latest *Profile
		d := dateOnly(date)
		for i := range profiles {
			p := profiles[i]
			if p.ValidTo == nil || !dateOnly(*p.ValidTo).Before(d) {
				continue
			}
			if latest == nil || p.ValidTo.After(*latest.ValidTo) {
				latest = &p
			}
		}
		if latest != nil {
			return Resolution{Profile: latest, Fallback: true, Warning: "no active insurance profile, billing on the most recently expired one"}
		}
	}

	return Resolution{Warning: "no active insurance profile, using tariff default split"}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
