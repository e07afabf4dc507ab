package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment variables on cfg. getenv is usually os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&cfg.Logging.Level, "NUDGE_LOG_LEVEL")
	set(&cfg.Timezone, "NUDGE_TIMEZONE")

	set(&cfg.Store.Driver, "NUDGE_STORE_DRIVER")
	set(&cfg.Store.Path, "NUDGE_STORE_PATH")
	set(&cfg.Store.ProjectID, "NUDGE_FIRESTORE_PROJECT")
	set(&cfg.Store.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")

	set(&cfg.Agent.UserID, "NUDGE_USER_ID")
	set(&cfg.Agent.Interval, "NUDGE_AGENT_INTERVAL")
	set(&cfg.Push.Interval, "NUDGE_PUSH_INTERVAL")

	set(&cfg.Push.VAPID.PublicKey, "NUDGE_VAPID_PUBLIC_KEY")
	set(&cfg.Push.VAPID.PrivateKey, "NUDGE_VAPID_PRIVATE_KEY")
	set(&cfg.Push.VAPID.Subject, "NUDGE_VAPID_SUBJECT")

	set(&cfg.HTTP.JWTSecret, "NUDGE_JWT_SECRET")
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			cfg.HTTP.Addr = ":" + port
		}
	}
}
