package infra

import (
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("DISPATCH_BROKER", "")
	t.Setenv("AUTH_MODE", "")
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PORT", "")
	t.Setenv("PUBLIC_BASE_URL", "")
	t.Setenv("TASK_SOFT_LIMIT_SECONDS", "")
	t.Setenv("TASK_HARD_LIMIT_SECONDS", "")
	t.Setenv("STUCK_JOB_CEILING_SECONDS", "")
}

func TestLoadConfigDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PublicBaseURL != "http://localhost:8080" {
		t.Fatalf("PublicBaseURL mismatch: got %q want %q", cfg.PublicBaseURL, "http://localhost:8080")
	}
	if cfg.TaskSoftLimit != 540*time.Second || cfg.TaskHardLimit != 600*time.Second {
		t.Fatalf("task limits mismatch: soft %s hard %s", cfg.TaskSoftLimit, cfg.TaskHardLimit)
	}
	if cfg.WorkerConcurrency != 2 {
		t.Fatalf("WorkerConcurrency mismatch: got %d want 2", cfg.WorkerConcurrency)
	}
	want := RateLimits{Solve: 5, Job: 60, Parse: 20, Jobs: 30, Window: time.Minute}
	if cfg.RateLimits != want {
		t.Fatalf("RateLimits mismatch: got %+v want %+v", cfg.RateLimits, want)
	}
	if cfg.DispatchQueue != "video_render" {
		t.Fatalf("DispatchQueue mismatch: got %q", cfg.DispatchQueue)
	}
}

func TestLoadConfigInheritsPortInPublicBaseURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "1919")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PublicBaseURL != "http://localhost:1919" {
		t.Fatalf("PublicBaseURL mismatch: got %q want %q", cfg.PublicBaseURL, "http://localhost:1919")
	}
}

func TestLoadConfigHonorsExplicitPublicBaseURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PUBLIC_BASE_URL", "https://cdn.example.com/")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PublicBaseURL != "https://cdn.example.com" {
		t.Fatalf("PublicBaseURL mismatch: got %q want %q", cfg.PublicBaseURL, "https://cdn.example.com")
	}
}

func TestLoadConfigRequiredSettings(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "postgres needs url", env: map[string]string{"DATABASE_URL": ""}, wantErr: "DATABASE_URL is required"},
		{name: "redis broker needs url", env: map[string]string{"REDIS_URL": ""}, wantErr: "REDIS_URL is required"},
		{name: "sqs needs queue", env: map[string]string{"DISPATCH_BROKER": "sqs"}, wantErr: "SQS_QUEUE_URL is required"},
		{name: "hs256 needs secret", env: map[string]string{"JWT_SECRET": ""}, wantErr: "JWT_SECRET is required"},
		{name: "jwks needs issuer", env: map[string]string{"AUTH_MODE": "jwks"}, wantErr: "AUTH_ISSUER is required"},
		{name: "unknown store", env: map[string]string{"STORE_DRIVER": "mongo"}, wantErr: "unsupported STORE_DRIVER"},
		{name: "soft above hard", env: map[string]string{"TASK_SOFT_LIMIT_SECONDS": "700"}, wantErr: "TASK_SOFT_LIMIT_SECONDS"},
		{name: "ceiling below hard", env: map[string]string{"STUCK_JOB_CEILING_SECONDS": "300"}, wantErr: "STUCK_JOB_CEILING_SECONDS"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error mismatch: got %q want substring %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestLoadConfigMemoryBackendsNeedNoURLs(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DISPATCH_BROKER", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StoreDriver != StoreMemory || cfg.DispatchBroker != BrokerMemory {
		t.Fatalf("backend mismatch: store %q broker %q", cfg.StoreDriver, cfg.DispatchBroker)
	}
}

func TestLoadConfigAllowedOrigins(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ALLOWED_ORIGINS", "https://orbitalsolver.io, https://www.orbitalsolver.io")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	want := []string{"https://orbitalsolver.io", "https://www.orbitalsolver.io"}
	if strings.Join(cfg.AllowedOrigins, "|") != strings.Join(want, "|") {
		t.Fatalf("AllowedOrigins mismatch: got %v want %v", cfg.AllowedOrigins, want)
	}
}
