package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/lab-clinic-booking/internal/config"
	"github.com/hackgods/lab-clinic-booking/internal/db"
	"github.com/hackgods/lab-clinic-booking/pkg/logging"
)

type catalogEntry struct {
	code string
	name string
}

var services = []catalogEntry{
	{"BLD", "Blood panel"},
	{"URN", "Urinalysis"},
	{"GLU", "Glucose tolerance"},
	{"LIP", "Lipid profile"},
	{"THY", "Thyroid panel"},
}

var holidayReasons = []string{
	"Lab closed for maintenance",
	"Public holiday",
	"Staff training day",
}

var locations = []catalogEntry{
	{"NORTH", "North branch"},
	{"CENTRAL", "Central lab"},
	{"SOUTH", "South branch"},
}

func main() {
	patients := flag.Int("patients", 2000, "number of patients to create")
	days := flag.Int("days", 14, "number of days of slots to create, starting tomorrow")
	capacity := flag.Int("capacity", 3, "bookings per slot")
	operators := flag.Int("operators", 5, "number of operators to create")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "prod")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.LogLevel, cfg.Env)
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	// A zero seed makes gofakeit pick a random one.
	faker := gofakeit.New(0)
	s := &seeder{pool: pool, faker: faker, logger: logger}
	bg := context.Background()

	if err := s.seedCatalog(bg); err != nil {
		logger.Fatal().Err(err).Msg("seed catalog")
	}
	if err := s.seedPatients(bg, *patients); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}
	tomorrow := time.Now().In(cfg.Location()).AddDate(0, 0, 1)
	if err := s.seedSlots(bg, tomorrow, *days, *capacity); err != nil {
		logger.Fatal().Err(err).Msg("seed slots")
	}
	if err := s.seedHolidays(bg, tomorrow, *days); err != nil {
		logger.Fatal().Err(err).Msg("seed holidays")
	}
	if err := s.seedOperators(bg, *operators); err != nil {
		logger.Fatal().Err(err).Msg("seed operators")
	}
	if err := s.seedChatUsers(bg, 50); err != nil {
		logger.Fatal().Err(err).Msg("seed chat users")
	}

	logger.Info().Msg("seed complete")
}

type seeder struct {
	pool   *pgxpool.Pool
	faker  *gofakeit.Faker
	logger zerolog.Logger
}

func (s *seeder) seedCatalog(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, e := range services {
		if _, err := tx.Exec(ctx, `INSERT INTO services (code, name) VALUES ($1, $2) ON CONFLICT (code) DO NOTHING`, e.code, e.name); err != nil {
			return err
		}
	}
	for _, e := range locations {
		if _, err := tx.Exec(ctx, `INSERT INTO locations (code, name) VALUES ($1, $2) ON CONFLICT (code) DO NOTHING`, e.code, e.name); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.logger.Info().Int("services", len(services)).Int("locations", len(locations)).Msg("catalog seeded")
	return nil
}

func (s *seeder) seedPatients(ctx context.Context, count int) error {
	s.logger.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			// Identifiers are stable so repeated seeds and the simulator agree.
			identifier := fmt.Sprintf("CC-%06d", i+1)
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, identifier, name, email, active, created_at, updated_at)
				VALUES ($1, $2, $3, $4, TRUE, now(), now())
				ON CONFLICT (identifier) DO NOTHING
			`, uuid.New(), identifier, s.faker.Name(), s.faker.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		s.logger.Info().Int("done", end).Int("total", count).Msg("patients seeded")
	}
	return nil
}

// seedSlots opens every service at every location from 07:00 to 10:45 in
// quarter-hour steps, skipping Sundays.
func (s *seeder) seedSlots(ctx context.Context, from time.Time, days, capacity int) error {
	s.logger.Info().Int("days", days).Int("capacity", capacity).Msg("seeding slots")

	total := 0
	for d := 0; d < days; d++ {
		date := from.AddDate(0, 0, d)
		if date.Weekday() == time.Sunday {
			continue
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		for _, svc := range services {
			for _, loc := range locations {
				for minute := 7 * 60; minute < 11*60; minute += 15 {
					start := fmt.Sprintf("%02d:%02d", minute/60, minute%60)
					_, err := tx.Exec(ctx, `
						INSERT INTO slots (id, slot_date, start_time, remaining, active, service_code, location_code)
						VALUES ($1, $2::date, $3::time, $4, TRUE, $5, $6)
					`, uuid.New(), date.Format("2006-01-02"), start, capacity, svc.code, loc.code)
					if err != nil {
						_ = tx.Rollback(ctx)
						return err
					}
					total++
				}
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	s.logger.Info().Int("slots", total).Msg("slots seeded")
	return nil
}

// seedHolidays marks one random weekday in the range as closed.
func (s *seeder) seedHolidays(ctx context.Context, from time.Time, days int) error {
	if days < 2 {
		return nil
	}
	date := from.AddDate(0, 0, s.faker.Number(1, days-1))
	_, err := s.pool.Exec(ctx, `
		INSERT INTO holidays (holiday_date, description, active)
		VALUES ($1::date, $2, TRUE)
		ON CONFLICT (holiday_date) DO NOTHING
	`, date.Format("2006-01-02"), s.faker.RandomString(holidayReasons))
	if err != nil {
		return err
	}
	s.logger.Info().Str("date", date.Format("2006-01-02")).Msg("holiday seeded")
	return nil
}

func (s *seeder) seedOperators(ctx context.Context, count int) error {
	for i := 1; i <= count; i++ {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO operators (id, name, active) VALUES ($1, $2, TRUE)
			ON CONFLICT (id) DO NOTHING
		`, fmt.Sprintf("op-%d", i), s.faker.FirstName())
		if err != nil {
			return err
		}
	}
	s.logger.Info().Int("count", count).Msg("operators seeded")
	return nil
}

func (s *seeder) seedChatUsers(ctx context.Context, count int) error {
	for i := 1; i <= count; i++ {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO chat_users (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING
		`, fmt.Sprintf("user-%d", i), s.faker.Name())
		if err != nil {
			return err
		}
	}
	s.logger.Info().Int("count", count).Msg("chat users seeded")
	return nil
}
