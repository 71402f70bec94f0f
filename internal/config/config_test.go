package config

import "testing"

func validConfig() *Config {
	return &Config{
		Port:        "5001",
		GinMode:     "debug",
		MaxFileSize: 52428800,
		DataDir:     "/tmp/better-images-test",
		MaxInputDim: 1500,
		TileSize:    256,
		TileOverlap: 10,
		WorkerCount: 2,
		TileWorkers: 2,
		QueueDepth:  64,
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateTileInvariants(t *testing.T) {
	cfg := validConfig()
	cfg.TileOverlap = cfg.TileSize
	if err := cfg.Validate(); err == nil {
		t.Fatal("overlap >= tileSize should be rejected")
	}

	cfg = validConfig()
	cfg.TileSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero tileSize should be rejected")
	}

	cfg = validConfig()
	cfg.QueueDepth = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero queueDepth should be rejected")
	}
}

func TestValidateAuthTriple(t *testing.T) {
	cfg := validConfig()
	cfg.AppUsername = "admin"
	if err := cfg.Validate(); err == nil {
		t.Fatal("username without password hash should be rejected")
	}

	cfg.AppPasswordHash = "$2a$10$abcdefghijklmnopqrstuv"
	if err := cfg.Validate(); err == nil {
		t.Fatal("auth without session secret should be rejected")
	}

	cfg.SessionSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("complete auth triple rejected: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Fatal("AuthEnabled should be true")
	}
}

func TestValidateReleaseModeNeedsSecret(t *testing.T) {
	cfg := validConfig()
	cfg.GinMode = "release"
	if err := cfg.Validate(); err == nil {
		t.Fatal("release mode without session secret should be rejected")
	}
	cfg.SessionSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("release mode with secret rejected: %v", err)
	}
}
