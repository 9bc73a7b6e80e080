package core

import (
	"testing"
	"time"
)

func TestConfig_DatabaseURL(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Engine = "postgres"
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.Name = "testdb"
	cfg.Database.Username = "testuser"
	cfg.Database.Password = "testpassword"

	url := cfg.DatabaseURL()
	expected := "host=localhost port=5432 dbname=testdb user=testuser password=testpassword sslmode="
	if url != expected {
		t.Errorf("DatabaseURL() want = %s, got = %s", expected, url)
	}
}

func TestConfig_TickInterval(t *testing.T) {
	cfg := &Config{}
	cfg.SimServer.TickRate = 20

	if interval := cfg.TickInterval(); interval != 50*time.Millisecond {
		t.Errorf("TickInterval() want = %v, got = %v", 50*time.Millisecond, interval)
	}

	// An unset tick rate should fall back to something sane rather than dividing by zero.
	cfg.SimServer.TickRate = 0
	if interval := cfg.TickInterval(); interval <= 0 {
		t.Errorf("TickInterval() with zero tick rate returned %v", interval)
	}
}

func TestConfig_GraceWindow(t *testing.T) {
	cfg := &Config{}
	cfg.SessionServer.GraceWindow = 30

	if w := cfg.GraceWindow(); w != 30*time.Second {
		t.Errorf("GraceWindow() want = %v, got = %v", 30*time.Second, w)
	}
}
