package main

import (
	"context"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/dental-practice-core/internal/appointment"
	"github.com/hackgods/dental-practice-core/internal/availability"
	"github.com/hackgods/dental-practice-core/internal/config"
	"github.com/hackgods/dental-practice-core/internal/db"
	"github.com/hackgods/dental-practice-core/internal/insurance"
	"github.com/hackgods/dental-practice-core/internal/logging"
	"github.com/hackgods/dental-practice-core/internal/tariff"
)

const (
	professionalCount = 20
	patientCount      = 2000
)

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

var services = []tariff.Tariff{
	{Code: "CONSULT", Description: "Consultation", Duration: 30 * time.Minute, BaseCents: 2650, MutualityShare: tariff.Percent(75), PatientShare: tariff.Percent(25)},
	{Code: "CHECKUP", Description: "Annual check-up", Duration: 30 * time.Minute, BaseCents: 4000, MutualityShare: tariff.Percent(75), PatientShare: tariff.Percent(25)},
	{Code: "SCALING", Description: "Scaling and polishing", Duration: 45 * time.Minute, BaseCents: 5800, MutualityShare: tariff.Percent(60), PatientShare: tariff.Percent(40)},
	{Code: "XRAY-BW", Description: "Bitewing radiograph", Duration: 15 * time.Minute, BaseCents: 2550, VATRate: tariff.Percent(21), MutualityShare: tariff.Percent(60), PatientShare: tariff.Percent(40)},
	{Code: "FILL-1", Description: "Composite filling, one surface", Duration: 30 * time.Minute, BaseCents: 6200, MutualityShare: tariff.Percent(70), PatientShare: tariff.Percent(30)},
	{Code: "FILL-2", Description: "Composite filling, two surfaces", Duration: 45 * time.Minute, BaseCents: 8400, MutualityShare: tariff.Percent(70), PatientShare: tariff.Percent(30)},
	{Code: "EXTRACT", Description: "Simple extraction", Duration: 30 * time.Minute, BaseCents: 7500, MutualityShare: tariff.Percent(65), PatientShare: tariff.Percent(35)},
	{Code: "ROOTCANAL", Description: "Root canal treatment, one canal", Duration: 90 * time.Minute, BaseCents: 18500, MutualityShare: tariff.Percent(50), PatientShare: tariff.Percent(50)},
	{Code: "WHITEN", Description: "Cosmetic whitening", Duration: 60 * time.Minute, BaseCents: 25000, VATRate: tariff.Percent(21), PatientShare: tariff.Percent(100)},
}

var insurers = []string{"Mutualité Chrétienne", "Solidaris", "Partenamut", "Helan", "Mutualité Libérale"}

type seeder struct {
	appointments *appointment.PgRepository
	catalog      *tariff.PgCatalog
	profiles     *insurance.PgRepository
	log          zerolog.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "seed").Logger()
	log.Info().Strs("tenants", cfg.Tenants).Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	s := seeder{
		appointments: appointment.NewPgRepository(pool),
		catalog:      tariff.NewPgCatalog(pool),
		profiles:     insurance.NewPgRepository(pool),
		log:          log,
	}

	for _, tenant := range cfg.Tenants {
		tctx := db.WithTenant(context.Background(), tenant)
		tlog := log.With().Str("tenant", tenant).Logger()

		if _, err := db.MigrateTenant(tctx, pool, tenant); err != nil {
			tlog.Fatal().Err(err).Msg("migrate tenant")
		}
		if err := s.seedServices(tctx); err != nil {
			tlog.Fatal().Err(err).Msg("seed services")
		}
		if err := s.seedProfessionals(tctx, professionalCount); err != nil {
			tlog.Fatal().Err(err).Msg("seed professionals")
		}
		if err := s.seedPatients(tctx, patientCount); err != nil {
			tlog.Fatal().Err(err).Msg("seed patients")
		}
		tlog.Info().Msg("tenant seeded")
	}

	log.Info().Msg("seed complete")
}

func (s seeder) seedServices(ctx context.Context) error {
	for _, t := range services {
		t.ID = uuid.New()
		if err := s.catalog.Upsert(ctx, t); err != nil {
			return err
		}
	}
	s.log.Info().Int("count", len(services)).Msg("services seeded")
	return nil
}

// seedProfessionals creates professionals with staggered hours. Every third
// one also runs a practice that books onto their calendar.
func (s seeder) seedProfessionals(ctx context.Context, count int) error {
	s.log.Info().Int("count", count).Msg("seeding professionals")

	brussels, err := time.LoadLocation("Europe/Brussels")
	if err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		opens := gofakeit.Number(8, 10) * 60
		pro := appointment.Professional{
			ID:   uuid.New(),
			Name: "Dr. " + gofakeit.Name(),
			Hours: availability.WorkingHours{
				Location:     brussels,
				OpensMinute:  opens,
				ClosesMinute: opens + gofakeit.Number(7, 9)*60,
				Days:         weekdays[:gofakeit.Number(3, len(weekdays))],
				Cadence:      30 * time.Minute,
			},
		}
		if err := s.appointments.InsertProfessional(ctx, pro); err != nil {
			return err
		}

		if i%3 == 0 {
			biz := appointment.Business{
				ID:                  uuid.New(),
				Name:                gofakeit.LastName() + " Dental Practice",
				OwnerProfessionalID: pro.ID,
			}
			if err := s.appointments.InsertBusiness(ctx, biz); err != nil {
				return err
			}
		}
	}

	s.log.Info().Msg("professionals seeded")
	return nil
}

// seedPatients creates patients with a mix of insurance situations: most
// have one active profile, some are omnio or VIP, some only hold an expired
// profile and a few are uninsured.
func (s seeder) seedPatients(ctx context.Context, count int) error {
	s.log.Info().Int("count", count).Msg("seeding patients")

	const progressEvery = 500
	today := time.Now().UTC().Truncate(24 * time.Hour)

	for i := 0; i < count; i++ {
		email := gofakeit.Email()
		p := appointment.Patient{ID: uuid.New(), Name: gofakeit.Name(), Email: &email}
		if err := s.appointments.InsertPatient(ctx, p); err != nil {
			return err
		}

		if err := s.seedProfile(ctx, p.ID, today); err != nil {
			return err
		}

		if (i+1)%progressEvery == 0 || i+1 == count {
			s.log.Info().Int("done", i+1).Int("total", count).Msg("patients seeded")
		}
	}
	return nil
}

func (s seeder) seedProfile(ctx context.Context, patientID uuid.UUID, today time.Time) error {
	roll := gofakeit.Number(1, 100)
	if roll > 95 {
		return nil
	}

	profile := insurance.Profile{
		ID:           uuid.New(),
		PatientID:    patientID,
		Insurer:      insurers[gofakeit.Number(0, len(insurers)-1)],
		MemberNumber: gofakeit.Numerify("###########"),
		ValidFrom:    today.AddDate(-gofakeit.Number(1, 5), 0, 0),
	}
	switch {
	case roll <= 10:
		profile.IsOmnio = true
	case roll <= 13:
		profile.IsVIP = true
	case roll > 85:
		expired := today.AddDate(0, -gofakeit.Number(1, 12), 0)
		profile.ValidTo = &expired
	}
	return s.profiles.Insert(ctx, profile)
}
