package main

import (
	"flag"
	"strconv"

	"github.com/hackgods/lab-clinic-booking/internal/config"
	"github.com/hackgods/lab-clinic-booking/internal/db"
	"github.com/hackgods/lab-clinic-booking/pkg/logging"
)

// Usage: migrate [up|down|force <version>|version]
func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "prod")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.LogLevel, cfg.Env)

	mg, err := db.NewMigrator(cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrator init error")
	}
	defer func() {
		if err := mg.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing migrator")
		}
	}()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}

	switch cmd {
	case "up":
		err = mg.Up()
	case "down":
		err = mg.Down()
	case "force":
		v, convErr := strconv.Atoi(flag.Arg(1))
		if convErr != nil {
			logger.Fatal().Str("arg", flag.Arg(1)).Msg("force needs a numeric version")
		}
		err = mg.Force(v)
	case "version":
	default:
		logger.Fatal().Str("command", cmd).Msg("unknown command, want up, down, force or version")
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", cmd).Msg("migration failed")
	}

	v, dirty, err := mg.Version()
	if err != nil {
		logger.Fatal().Err(err).Msg("read version")
	}
	logger.Info().Str("command", cmd).Uint("version", v).Bool("dirty", dirty).Msg("migrations done")
}
