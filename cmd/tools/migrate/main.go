package main

import (
	"errors"
	"flag"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"

	"github.com/Kermitos690/chargeurs-ch-sub001/internal/obs"
)

func main() {
	dir := flag.String("dir", "db/migrations", "migrations directory")
	action := flag.String("action", "up", "up | down | version")
	flag.Parse()

	logger := obs.NewLogger("console", "info").With().Str("component", "migrate").Logger()

	_ = godotenv.Load()
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL is required")
	}

	m, err := migrate.New("file://"+*dir, databaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open migrations")
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Error().Err(srcErr).Msg("close migration source")
		}
		if dbErr != nil {
			logger.Error().Err(dbErr).Msg("close migration database")
		}
	}()

	switch *action {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	case "version":
		version, dirty, verErr := m.Version()
		if verErr != nil && !errors.Is(verErr, migrate.ErrNilVersion) {
			logger.Fatal().Err(verErr).Msg("read version")
		}
		logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("migration state")
		return
	default:
		logger.Fatal().Str("action", *action).Msg("unknown action")
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal().Err(err).Str("action", *action).Msg("migration failed")
	}
	logger.Info().Str("action", *action).Msg("migrations applied")
}
