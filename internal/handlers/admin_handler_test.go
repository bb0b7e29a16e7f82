package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"casebridge/internal/models"
	"casebridge/internal/store"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func adminFixture(t *testing.T) (*gin.Engine, *store.SnapshotStore, *store.DeadLetterStore, *recorderBus) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.IncidentSnapshot{}, &models.ExternalMapping{}, &models.DeadLetterEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	snapshots := store.NewSnapshotStore(db, nil)
	deadLetters := store.NewDeadLetterStore(db, nil)
	recorder := &recorderBus{}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	api := router.Group("/api/v1")
	RegisterAdminRoutes(api, NewAdminHandler(snapshots, deadLetters, recorder, nil))
	return router, snapshots, deadLetters, recorder
}

func TestListIncidentsReturnsSnapshots(t *testing.T) {
	router, snapshots, _, _ := adminFixture(t)
	if err := snapshots.Put(&models.Incident{ID: "case-1", Title: "Test", Status: models.StatusSubmitted}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); !strings.Contains(body, "case-1") {
		t.Fatalf("incident missing from listing: %s", body)
	}
}

func TestGetIncidentUnknownReturns404(t *testing.T) {
	router, _, _, _ := adminFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestReplayDeadLetterRepublishes(t *testing.T) {
	router, _, deadLetters, recorder := adminFixture(t)

	ev := &models.SyncEvent{
		ID:           "ev-1",
		IncidentID:   "case-1",
		Type:         models.EventUpdated,
		SourceSystem: models.SystemCaseManagement,
		OccurredAt:   time.Now(),
		Incident:     &models.Incident{ID: "case-1", Status: models.StatusDetection},
	}
	payload, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	if err := deadLetters.Save(&models.DeadLetterEvent{
		EventID:      ev.ID,
		IncidentID:   ev.IncidentID,
		EventType:    ev.Type,
		SourceSystem: ev.SourceSystem,
		Consumer:     "jira-adapter",
		Payload:      payload,
		Attempts:     5,
		LastError:    "gateway timeout",
	}); err != nil {
		t.Fatalf("seed dead letter: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/deadletters/1/replay", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	replayed := recorder.last(t)
	if replayed.ID != "ev-1" || replayed.Incident == nil || replayed.Incident.ID != "case-1" {
		t.Fatalf("replayed event mangled: %+v", replayed)
	}

	dl, err := deadLetters.Get(1)
	if err != nil {
		t.Fatalf("dead letter vanished: %v", err)
	}
	if dl.ReplayedAt == nil {
		t.Fatal("dead letter not marked replayed")
	}
}

func TestReplayDeadLetterCorruptPayload(t *testing.T) {
	router, _, deadLetters, recorder := adminFixture(t)

	if err := deadLetters.Save(&models.DeadLetterEvent{
		EventID:  "ev-bad",
		Consumer: "jira-adapter",
		Payload:  "{not json",
	}); err != nil {
		t.Fatalf("seed dead letter: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/deadletters/1/replay", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	if len(recorder.events) != 0 {
		t.Fatal("corrupt payload must not be republished")
	}
}

func TestReplayDeadLetterUnknownID(t *testing.T) {
	router, _, _, _ := adminFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/deadletters/99/replay", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
