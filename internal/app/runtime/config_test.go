package runtime

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "jwt-secret")
	t.Setenv("THROTTLE_SECRET", "throttle-secret")
	t.Setenv("GENAI_BASE_URL", "https://genai.example.com")
	t.Setenv("BLOB_BUCKET", "roomlift-test")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("unexpected port: %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "memory" {
		t.Fatalf("unexpected driver: %s", cfg.Database.Driver)
	}
	if cfg.Server.WriteTimeout != 150*time.Second {
		t.Fatalf("unexpected write timeout: %s", cfg.Server.WriteTimeout)
	}
	if cfg.Limits.RequestsPerSecond != 10 || cfg.Limits.Burst != 20 {
		t.Fatalf("unexpected rate limits: %d/%d", cfg.Limits.RequestsPerSecond, cfg.Limits.Burst)
	}
	if cfg.Limits.AuditSchedule != "@every 1h" {
		t.Fatalf("unexpected audit schedule: %s", cfg.Limits.AuditSchedule)
	}
	if cfg.GenAI.Model != "stage-v2" {
		t.Fatalf("unexpected model: %s", cfg.GenAI.Model)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_DSN", "postgres://localhost/roomlift?sslmode=disable")
	t.Setenv("SERVER_READ_TIMEOUT", "5s")
	t.Setenv("RATE_LIMIT_RPS", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("unexpected port: %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN == "" {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Fatalf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Limits.RequestsPerSecond != 50 {
		t.Fatalf("unexpected rps: %d", cfg.Limits.RequestsPerSecond)
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(t *testing.T)
		errSub string
	}{
		{
			name:   "missing jwt secret",
			setup:  func(t *testing.T) { t.Setenv("JWT_SECRET", "") },
			errSub: "JWT_SECRET",
		},
		{
			name:   "missing throttle secret",
			setup:  func(t *testing.T) { t.Setenv("THROTTLE_SECRET", "") },
			errSub: "THROTTLE_SECRET",
		},
		{
			name:   "missing genai base url",
			setup:  func(t *testing.T) { t.Setenv("GENAI_BASE_URL", "") },
			errSub: "GENAI_BASE_URL",
		},
		{
			name:   "missing blob bucket",
			setup:  func(t *testing.T) { t.Setenv("BLOB_BUCKET", "") },
			errSub: "BLOB_BUCKET",
		},
		{
			name:   "postgres without dsn",
			setup:  func(t *testing.T) { t.Setenv("DATABASE_DRIVER", "postgres") },
			errSub: "DATABASE_DSN",
		},
		{
			name:   "unknown driver",
			setup:  func(t *testing.T) { t.Setenv("DATABASE_DRIVER", "sqlite") },
			errSub: "unknown database driver",
		},
		{
			name:   "bad port",
			setup:  func(t *testing.T) { t.Setenv("SERVER_PORT", "70000") },
			errSub: "invalid server port",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			tc.setup(t)

			_, err := Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.errSub) {
				t.Fatalf("expected error mentioning %q, got %v", tc.errSub, err)
			}
		})
	}
}
