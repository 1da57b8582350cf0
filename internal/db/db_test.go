package db

import (
	"testing"

	"github.com/friendsincode/elastisched/internal/config"
	"github.com/friendsincode/elastisched/internal/models"
)

func TestConnectAndMigrateSQLite(t *testing.T) {
	cfg := &config.Config{DBBackend: config.DatabaseSQLite, DBDSN: ":memory:"}
	database, err := Connect(cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = Close(database) })

	for i := 0; i < 2; i++ {
		if err := Migrate(database); err != nil {
			t.Fatalf("migrate pass %d: %v", i+1, err)
		}
	}

	var states []models.ScheduleState
	if err := database.Find(&states).Error; err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected exactly one state row, got %d", len(states))
	}
	if !states[0].Dirty || states[0].LastRun != nil {
		t.Fatalf("expected a dirty state that never ran, got %+v", states[0])
	}
}

func TestConnectRejectsUnknownBackend(t *testing.T) {
	if _, err := Connect(&config.Config{DBBackend: "oracle"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
