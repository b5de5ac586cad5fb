package config // package config loads application configuration from environment variables

import (
	"os"      // os provides access to environment variables
	"strconv" // strconv converts strings to other types
	"time"

	"github.com/joho/godotenv"  // godotenv loads .env files into the process environment
	"github.com/rs/zerolog/log" // log reports configuration errors and halts execution
)

// Config holds all runtime configuration values for the reservation server.
// Each field corresponds to an environment variable.
type Config struct {
	Env             string        // application environment (e.g. "dev", "prod")
	Port            string        // HTTP port to listen on
	DBUser          string        // database username
	DBPass          string        // database password (optional)
	DBHost          string        // database host address
	DBPort          string        // database port number
	DBName          string        // database name
	SessionSecret   string        // secret used to sign session tokens
	SessionTTLHours int           // session token time-to-live in hours
	DBMaxOpenConns  int           // upper bound on pooled connections
	DBConnLifetime  time.Duration // recycle connections older than this
}

// LoadDotEnv loads variables from the given .env files (".env" when none
// are named) without overriding values already present in the environment.
// A missing file is not an error; the process simply relies on its
// environment.
func LoadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("config: failed to load .env")
	}
}

// Load reads configuration values from environment variables and returns a
// Config.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.
func Load() Config {
	return Config{
		Env:             envStr("APP_ENV", "dev"),        // environment (dev/test/prod)
		Port:            must("APP_PORT"),                // port to bind the HTTP server
		DBUser:          must("DB_USER"),                 // database user
		DBPass:          os.Getenv("DB_PASS"),            // database password (empty allowed)
		DBHost:          must("DB_HOST"),                 // database host
		DBPort:          must("DB_PORT"),                 // database port
		DBName:          must("DB_NAME"),                 // database name
		SessionSecret:   must("SESSION_SECRET"),          // secret used for signing session tokens
		SessionTTLHours: envInt("SESSION_TTL_HOURS", 24), // lifetime of a browser-tab session
		DBMaxOpenConns:  envInt("DB_MAX_OPEN_CONNS", 25),
		DBConnLifetime:  envDur("DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatal().Str("key", key).Msg("missing required env var")
	}
	return v
}

// mustInt is like must() but converts the retrieved string into an integer.
// If conversion fails, the application logs a fatal error and exits.
func mustInt(key string) int {
	s := must(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatal().Str("key", key).Str("value", s).Msg("invalid int")
	}
	return n
}
