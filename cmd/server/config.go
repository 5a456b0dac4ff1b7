package main

import (
	"flag"

	"github.com/caarlos0/env/v7"
)

// config is read from the environment first; flags given on the command
// line win.
type config struct {
	Port        int      `env:"PAYROLL_HTTP_PORT"    envDefault:"8080"`
	Driver      string   `env:"PAYROLL_DB_DRIVER"    envDefault:"sqlite3"`
	DSN         string   `env:"PAYROLL_DB_DSN"       envDefault:"payroll.db"`
	SchemaFile  string   `env:"PAYROLL_SCHEMA_FILE"`
	MetricsFile string   `env:"PAYROLL_METRICS_FILE"`
	LogLevel    string   `env:"PAYROLL_LOG_LEVEL"    envDefault:"info"`
	LogFormat   string   `env:"PAYROLL_LOG_FORMAT"   envDefault:"json"`
	Origins     []string `env:"PAYROLL_CORS_ORIGINS" envSeparator:","`
}

func loadConfig(args []string) (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DSN, "db", cfg.DSN, `database DSN (":memory:" for an in-memory SQLite database)`)
	fs.StringVar(&cfg.Driver, "driver", cfg.Driver, "database driver: sqlite3 or postgres")
	fs.StringVar(&cfg.SchemaFile, "schema", cfg.SchemaFile, "twin schema YAML (default: embedded preset)")
	fs.StringVar(&cfg.MetricsFile, "metrics", cfg.MetricsFile, "metric catalog YAML (default: embedded preset)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}
