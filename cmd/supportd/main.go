// Command supportd runs the live support chat backend.
//
// Subcommands:
//
//	supportd serve     HTTP API, websocket fan-out and background sweeps
//	supportd migrate   create or update the database schema and exit
//	supportd token     sign an operator JWT (requires JWT_SECRET)
//
// Configuration comes from the environment; a .env file in the working
// directory is loaded first when present.
//
// @title          Support Chat API
// @version        1.0
// @description    Live support sessions between visitors, an AI responder and human operators.
// @BasePath       /api/v1
// @securityDefinitions.apikey OperatorToken
// @in             header
// @name           Authorization
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	_ "github.com/tbourn/go-support-backend/docs"
	"github.com/tbourn/go-support-backend/internal/config"
	"github.com/tbourn/go-support-backend/internal/sysutil"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once the root has prepared it.
type app struct {
	envFile string
	cfg     config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "supportd",
		Short:         "Live support chat backend",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newServeCmd(a), newMigrateCmd(a), newTokenCmd(a))
	return root
}

// load reads the dotenv file (missing is fine), validates the configuration
// and installs the global logger.
func (a *app) load() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	sysutil.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)
	log.Debug().Str("version", version).Msg("configuration loaded")
	return nil
}
