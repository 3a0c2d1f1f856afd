package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/matheus3301/leadsync/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file (default <data-dir>/config.toml)")
	dataDirFlag := flag.String("data-dir", "", "data directory (overrides config and LEADSYNC_DATA_DIR)")
	flag.Parse()

	// A missing .env is fine; the environment and config file still apply.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: *configFlag, DataDir: *dataDirFlag}),
	)

	app.Run()
}
