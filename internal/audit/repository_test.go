package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/botcareu/botcareu-core/internal/infrastructure/config"
	"github.com/botcareu/botcareu-core/internal/infrastructure/database"
	"github.com/botcareu/botcareu-core/migrations"
)

func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestCreate_FillsDefaults(t *testing.T) {
	repo := setupTestRepo(t)
	log := &Log{
		Action:     ActionNotificationFailed,
		EntityType: EntityNotification,
		EntityID:   "n-1",
		UserID:     "user-1",
		Source:     SourceDispatcher,
		Details:    map[string]any{"channel": "sms"},
	}
	if err := repo.Create(context.Background(), log); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if log.ID == "" || log.CreatedAt.IsZero() {
		t.Errorf("Create() did not fill defaults: %+v", log)
	}
}

func TestList_FiltersAndOrders(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

	entries := []*Log{
		{Action: ActionNotificationFailed, EntityType: EntityNotification, EntityID: "n-1", UserID: "user-1", Source: SourceDispatcher, CreatedAt: base},
		{Action: ActionNotificationExpired, EntityType: EntityNotification, EntityID: "n-2", UserID: "user-1", Source: SourceDispatcher, CreatedAt: base.Add(time.Minute)},
		{Action: ActionDeviceCommand, EntityType: EntityDevice, EntityID: "dev-1", UserID: "user-2", Source: SourceAPI, CreatedAt: base.Add(2 * time.Minute), Details: map[string]any{"command": "restart"}},
	}
	for _, e := range entries {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	all, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if all.Total != 3 || all.Logs[0].Action != ActionDeviceCommand {
		t.Errorf("List() = %+v, want newest first", all)
	}
	if all.Logs[0].Details["command"] != "restart" {
		t.Errorf("Details = %v", all.Logs[0].Details)
	}

	byUser, err := repo.List(ctx, Filter{UserID: "user-1", EntityType: EntityNotification})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if byUser.Total != 2 {
		t.Errorf("filtered Total = %d, want 2", byUser.Total)
	}

	page, err := repo.List(ctx, Filter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Logs) != 1 || page.Logs[0].EntityID != "n-2" || page.Total != 3 {
		t.Errorf("page = %+v", page)
	}
}

func TestList_ClampsLimit(t *testing.T) {
	res, err := setupTestRepo(t).List(context.Background(), Filter{Limit: 5000, Offset: -3})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Limit != 200 || res.Offset != 0 || res.Logs == nil {
		t.Errorf("List() = %+v", res)
	}
}
