package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-workflow/internal/access"
	"github.com/hackgods/clinical-workflow/internal/app"
	"github.com/hackgods/clinical-workflow/internal/apperr"
	"github.com/hackgods/clinical-workflow/internal/appointment"
	"github.com/hackgods/clinical-workflow/internal/config"
	"github.com/hackgods/clinical-workflow/internal/encounter"
	"github.com/hackgods/clinical-workflow/internal/logging"
)

var reasons = []string{
	"Annual physical",
	"Follow-up visit",
	"Persistent cough",
	"Blood pressure review",
	"Skin rash",
	"Back pain",
	"Medication review",
	"Headache",
	"Vaccination",
	"Lab results discussion",
}

var diagnoses = []string{
	"Upper respiratory infection",
	"Essential hypertension",
	"Contact dermatitis",
	"Lumbar strain",
	"Tension headache",
	"Seasonal allergic rhinitis",
	"No acute findings",
}

type seedPlan struct {
	Doctors        int
	Patients       int
	SlotsPerDoctor int
	Clinics        int
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New("info", "")
		l.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.LogLevel, cfg.Env).With().Str("component", "seed").Logger()
	log.Info().Msg("seed starting")

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
	defer a.Close()

	plan := seedPlan{
		Doctors:        envInt("SEED_DOCTORS", 10),
		Patients:       envInt("SEED_PATIENTS", 200),
		SlotsPerDoctor: envInt("SEED_SLOTS_PER_DOCTOR", 16),
		Clinics:        envInt("SEED_CLINICS", 3),
	}
	if err := seed(ctx, a.Appointments, a.Encounters, plan, log); err != nil {
		log.Error().Err(err).Msg("seed failed")
		os.Exit(1)
	}
	log.Info().Msg("seed complete")
}

func seed(ctx context.Context, appts *appointment.Service, encs *encounter.Service, plan seedPlan, log zerolog.Logger) error {
	faker := gofakeit.New(0)
	admin := access.Actor{ID: uuid.New(), Role: access.RoleAdmin}

	clinics := newIDs(plan.Clinics)
	patients := newIDs(plan.Patients)
	day := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	created, conflicts, encounters := 0, 0, 0
	for d := 0; d < plan.Doctors; d++ {
		doctor := access.Actor{ID: uuid.New(), Role: access.RoleDoctor}
		clinic := clinics[faker.Number(0, len(clinics)-1)]
		cursor := day.Add(8 * time.Hour)

		for s := 0; s < plan.SlotsPerDoctor; s++ {
			length := time.Duration(faker.RandomInt([]int{15, 20, 30, 45})) * time.Minute
			start := cursor.Add(time.Duration(faker.Number(0, 2)*5) * time.Minute)
			end := start.Add(length)
			cursor = end

			reason := faker.RandomString(reasons)
			appt, err := appts.Create(ctx, appointment.CreateInput{
				ClinicID:  clinic,
				PatientID: patients[faker.Number(0, len(patients)-1)],
				DoctorID:  doctor.ID,
				StartAt:   start,
				EndAt:     end,
				Reason:    &reason,
			}, admin)
			if errors.Is(err, apperr.ErrSlotConflict) {
				conflicts++
				continue
			}
			if err != nil {
				return err
			}
			created++

			switch roll := faker.Number(1, 10); {
			case roll <= 2:
				// left PENDING
			case roll == 3:
				if _, err := appts.RequestTransition(ctx, appt.ID, appointment.StatusCancelled, admin); err != nil {
					return err
				}
			default:
				if _, err := appts.RequestTransition(ctx, appt.ID, appointment.StatusConfirmed, doctor); err != nil {
					return err
				}
				if roll >= 7 {
					if err := runEncounter(ctx, encs, faker, appt.ID, doctor, roll >= 9); err != nil {
						return err
					}
					encounters++
				}
			}
		}
		log.Info().Str("doctor_id", doctor.ID.String()).Int("appointments", created).Msg("doctor seeded")
	}

	log.Info().Int("appointments", created).Int("conflicts", conflicts).Int("encounters", encounters).Msg("seed totals")
	return nil
}

func runEncounter(ctx context.Context, encs *encounter.Service, faker *gofakeit.Faker, appointmentID uuid.UUID, doctor access.Actor, complete bool) error {
	enc, _, err := encs.StartOrResume(ctx, appointmentID, doctor)
	if err != nil {
		return err
	}

	hr := faker.Number(55, 110)
	spo2 := faker.Number(92, 100)
	bp := strconv.Itoa(faker.Number(100, 150)) + "/" + strconv.Itoa(faker.Number(60, 95))
	if _, err := encs.RecordVitals(ctx, enc.ID, encounter.VitalsInput{
		HeightCm:      faker.Float64Range(150, 200),
		WeightKg:      faker.Float64Range(45, 120),
		HeartRate:     &hr,
		BloodPressure: &bp,
		SpO2:          &spo2,
	}, doctor); err != nil {
		return err
	}

	if !complete {
		return nil
	}
	diagnosis := faker.RandomString(diagnoses)
	notes := "Seen by Dr. " + faker.LastName() + ", review in " + strconv.Itoa(faker.Number(1, 12)) + " weeks"
	status := encounter.StatusCompleted
	_, err = encs.UpdateClinicalFields(ctx, enc.ID, encounter.Patch{
		Diagnosis: &diagnosis,
		Notes:     &notes,
		Status:    &status,
	}, doctor)
	return err
}

func newIDs(n int) []uuid.UUID {
	if n <= 0 {
		n = 1
	}
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
