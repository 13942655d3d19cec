package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string

	// DB
	Env    string // "dev" | "prod"
	DBPath string // e.g. "./data/invigil.db"

	// PolicyPath is the TOML scoring-policy file.  Empty means run on
	// the built-in defaults with no hot reload.
	PolicyPath string

	// VerifyTimeout bounds the external identity/environment check.
	VerifyTimeout time.Duration
}

func FromEnv() Config {
	addr := getenvDefault("INVIGIL_HTTP_ADDR", ":8080")

	env := strings.ToLower(getenvDefault("INVIGIL_ENV", "dev"))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}

	dbPath := getenvDefault("INVIGIL_DB_PATH", "./data/invigil.db")
	policyPath := strings.TrimSpace(os.Getenv("INVIGIL_POLICY_PATH"))

	verifyTimeout := time.Duration(getenvInt("INVIGIL_VERIFY_TIMEOUT_S", 10)) * time.Second

	return Config{
		HTTPAddr:      addr,
		Env:           env,
		DBPath:        dbPath,
		PolicyPath:    policyPath,
		VerifyTimeout: verifyTimeout,
	}
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
