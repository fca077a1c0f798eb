package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/paygate/internal/pkg/database"
	"github.com/ManuelReschke/paygate/internal/pkg/env"
)

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 2 || !database.IsMigrationCommand(os.Args[1]) {
		fmt.Fprintf(os.Stderr, "usage: migrate <%s> [arg]\n", strings.Join(database.MigrationCommands, "|"))
		os.Exit(2)
	}

	path := env.GetEnv("MIGRATIONS_PATH", "migrations")
	log.Infof("running %s on %s@%s/%s", os.Args[1],
		env.GetEnv("DB_USER", ""), env.GetEnv("DB_HOST", "127.0.0.1"), env.GetEnv("DB_NAME", ""))

	m, err := database.NewMigrator(path)
	if err != nil {
		log.Fatalf("%v", err)
	}

	report, runErr := database.RunMigration(m, os.Args[1], os.Args[2:])
	if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
		log.Warnf("failed to close migration resources: %v, %v", sourceErr, dbErr)
	}
	if runErr != nil {
		log.Fatalf("%v", runErr)
	}
	log.Info(report)
}
