// Package seed generates fake doctors and patients for demos and load tests.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-appointment-engine/internal/appointment"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

type Generator struct {
	faker *gofakeit.Faker
}

// NewGenerator returns a generator; the same seed yields the same data.
func NewGenerator(seed uint64) *Generator {
	return &Generator{faker: gofakeit.New(seed)}
}

// Doctors returns n doctors, roughly one in ten inactive.
func (g *Generator) Doctors(n int) []appointment.Doctor {
	out := make([]appointment.Doctor, 0, n)
	for i := 0; i < n; i++ {
		spec := specialties[g.faker.Number(0, len(specialties)-1)]
		out = append(out, appointment.Doctor{
			FullName:        "Dr. " + g.faker.Name(),
			Specialty:       &spec,
			ConsultationFee: decimal.NewFromFloat(g.faker.Price(30, 250)).Round(2),
			IsActive:        g.faker.Number(1, 10) > 1,
		})
	}
	return out
}

func (g *Generator) Patients(n int) []appointment.Patient {
	from := time.Date(1940, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC)

	out := make([]appointment.Patient, 0, n)
	for i := 0; i < n; i++ {
		dob := g.faker.DateRange(from, to).UTC().Truncate(24 * time.Hour)
		phone := g.faker.Phone()
		email := g.faker.Email()
		out = append(out, appointment.Patient{
			FullName:    g.faker.Name(),
			DateOfBirth: &dob,
			Phone:       &phone,
			Email:       &email,
		})
	}
	return out
}

// LoadMemory adds the records to store and returns them with their ids.
func LoadMemory(store *appointment.MemoryStore, doctors []appointment.Doctor, patients []appointment.Patient) ([]appointment.Doctor, []appointment.Patient) {
	ds := make([]appointment.Doctor, 0, len(doctors))
	for _, d := range doctors {
		ds = append(ds, store.AddDoctor(d))
	}
	ps := make([]appointment.Patient, 0, len(patients))
	for _, p := range patients {
		ps = append(ps, store.AddPatient(p))
	}
	return ds, ps
}

const batchSize = 500

// WritePostgres inserts doctors and patients in batches of batchSize rows,
// one transaction per batch.
func WritePostgres(ctx context.Context, pool *pgxpool.Pool, doctors []appointment.Doctor, patients []appointment.Patient, logger zerolog.Logger) error {
	for offset := 0; offset < len(doctors); offset += batchSize {
		chunk := doctors[offset:min(offset+batchSize, len(doctors))]
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, d := range chunk {
				batch.Queue(`
					INSERT INTO doctors (full_name, specialty, consultation_fee, is_active)
					VALUES ($1, $2, $3::numeric, $4)
				`, d.FullName, d.Specialty, d.ConsultationFee.String(), d.IsActive)
			}
			return tx.SendBatch(ctx, batch).Close()
		})
		if err != nil {
			return fmt.Errorf("seed doctors: %w", err)
		}
		logger.Info().Int("done", offset+len(chunk)).Int("total", len(doctors)).Msg("doctors seeded")
	}

	for offset := 0; offset < len(patients); offset += batchSize {
		chunk := patients[offset:min(offset+batchSize, len(patients))]
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, p := range chunk {
				batch.Queue(`
					INSERT INTO patients (full_name, date_of_birth, phone, email)
					VALUES ($1, $2, $3, $4)
					ON CONFLICT (email) DO NOTHING
				`, p.FullName, p.DateOfBirth, p.Phone, p.Email)
			}
			return tx.SendBatch(ctx, batch).Close()
		})
		if err != nil {
			return fmt.Errorf("seed patients: %w", err)
		}
		logger.Info().Int("done", offset+len(chunk)).Int("total", len(patients)).Msg("patients seeded")
	}

	return nil
}
