package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"casebridge/internal/config"
	"casebridge/internal/models"
	"casebridge/internal/store"
	"casebridge/internal/syncerr"
	"casebridge/pkg/caseapi"
	"casebridge/pkg/retry"
)

// fakeCaseStore 可写的源系统桩：保存案例详情，记录回写
type fakeCaseStore struct {
	mu       sync.Mutex
	seq      int
	details  map[string]*caseapi.CaseDetail
	updates  []caseapi.UpdateCaseRequest
	comments map[string][]string
	uploads  []string
}

func newFakeCaseStore() *fakeCaseStore {
	return &fakeCaseStore{
		details:  make(map[string]*caseapi.CaseDetail),
		comments: make(map[string][]string),
	}
}

func (f *fakeCaseStore) ListCases(ctx context.Context, pageToken string) (*caseapi.ListCasesResponse, error) {
	return &caseapi.ListCasesResponse{}, nil
}

func (f *fakeCaseStore) GetCase(ctx context.Context, caseID string) (*caseapi.CaseDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.details[caseID]
	if !ok {
		return nil, syncerr.Ef(syncerr.KindNotFound, "caseapi.GetCase", "case %s not found", caseID)
	}
	copied := *d
	return &copied, nil
}

func (f *fakeCaseStore) CreateCase(ctx context.Context, req *caseapi.CreateCaseRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("case-%d", f.seq)
	f.details[id] = &caseapi.CaseDetail{
		CaseID:      id,
		Title:       req.Title,
		Description: req.Description,
		Status:      models.StatusSubmitted,
	}
	return id, nil
}

func (f *fakeCaseStore) UpdateCase(ctx context.Context, caseID string, req *caseapi.UpdateCaseRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, *req)
	if req.Status != "" {
		f.details[caseID].Status = req.Status
	}
	return nil
}

func (f *fakeCaseStore) AddComment(ctx context.Context, caseID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[caseID] = append(f.comments[caseID], body)
	return nil
}

func (f *fakeCaseStore) AttachmentDownloadURL(ctx context.Context, caseID, attachmentID string) (string, error) {
	return "https://example.com/download/" + attachmentID, nil
}

func (f *fakeCaseStore) AttachmentUploadURL(ctx context.Context, caseID, filename string, size int64) (string, error) {
	return "https://example.com/upload/" + filename, nil
}

func (f *fakeCaseStore) DownloadAttachment(ctx context.Context, presignedURL string) ([]byte, error) {
	return []byte("case attachment content"), nil
}

func (f *fakeCaseStore) UploadAttachment(ctx context.Context, presignedURL string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, presignedURL)
	return nil
}

func newTestCaseAdapter(t *testing.T, cases *fakeCaseStore, fetchers map[string]AttachmentFetcher) (*CaseAdapter, *store.SnapshotStore) {
	t.Helper()
	snapshots := testSnapshotStore(t)
	adapter := NewCaseAdapter(cases, snapshots,
		config.GetDefaultConfig().Mappings, fetchers,
		retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		nil)
	return adapter, snapshots
}

func externalEvent(system, externalID string, ext *models.ExternalRecord) *models.SyncEvent {
	ext.System = system
	ext.ExternalID = externalID
	return &models.SyncEvent{
		ID:           "ev-" + externalID,
		Type:         models.EventUpdated,
		SourceSystem: system,
		OccurredAt:   time.Now(),
		External:     ext,
	}
}

func TestCaseAdapterCreatesCaseForUnknownRecord(t *testing.T) {
	cases := newFakeCaseStore()
	adapter, snapshots := newTestCaseAdapter(t, cases, nil)

	ev := externalEvent(models.SystemJira, "SEC-7", &models.ExternalRecord{
		Title:       "Found in Jira first",
		Description: "raised directly by the on-call",
	})
	if err := adapter.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	incidentID, err := snapshots.ResolveExternal(models.SystemJira, "SEC-7")
	if err != nil {
		t.Fatalf("mapping not registered: %v", err)
	}
	detail, err := cases.GetCase(context.Background(), incidentID)
	if err != nil {
		t.Fatalf("case not created: %v", err)
	}
	if detail.Title != "Found in Jira first" {
		t.Fatalf("title not carried over: %q", detail.Title)
	}
	if !strings.Contains(detail.Description, "[Jira Update]") {
		t.Fatalf("description missing origin marker: %q", detail.Description)
	}
}

func TestCaseAdapterSkipsUnmappedSlackChannel(t *testing.T) {
	cases := newFakeCaseStore()
	adapter, snapshots := newTestCaseAdapter(t, cases, nil)

	// 不是本服务建的频道：消息不得铸造新案例
	ev := externalEvent(models.SystemSlack, "C-RANDOM", &models.ExternalRecord{
		Comments: []models.Comment{{Body: "random chatter"}},
	})
	if err := adapter.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	if len(cases.details) != 0 {
		t.Fatalf("unmapped slack channel must not create a case, got %v", cases.details)
	}
	if _, err := snapshots.ResolveExternal(models.SystemSlack, "C-RANDOM"); err == nil {
		t.Fatal("no mapping must be registered for an unmapped channel")
	}
	if len(cases.comments) != 0 {
		t.Fatalf("no comments expected, got %v", cases.comments)
	}
}

func TestCaseAdapterAppliesMappedStatus(t *testing.T) {
	cases := newFakeCaseStore()
	adapter, snapshots := newTestCaseAdapter(t, cases, nil)

	cases.details["case-9"] = &caseapi.CaseDetail{CaseID: "case-9", Status: models.StatusSubmitted}
	if _, err := snapshots.SetMapping("case-9", models.SystemJira, "SEC-9"); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	ev := externalEvent(models.SystemJira, "SEC-9", &models.ExternalRecord{Status: "In Progress"})
	if err := adapter.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	if got := cases.details["case-9"].Status; got != models.StatusDetection {
		t.Fatalf("expected inbound status mapping to %q, got %q", models.StatusDetection, got)
	}
}

func TestCaseAdapterIgnoresStatusForClosedCase(t *testing.T) {
	cases := newFakeCaseStore()
	adapter, snapshots := newTestCaseAdapter(t, cases, nil)

	cases.details["case-9"] = &caseapi.CaseDetail{CaseID: "case-9", Status: models.StatusClosed}
	if _, err := snapshots.SetMapping("case-9", models.SystemJira, "SEC-9"); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	ev := externalEvent(models.SystemJira, "SEC-9", &models.ExternalRecord{Status: "In Progress"})
	if err := adapter.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	if got := cases.details["case-9"].Status; got != models.StatusClosed {
		t.Fatalf("terminal case must not reopen, got %q", got)
	}
	if len(cases.updates) != 0 {
		t.Fatalf("no update expected for closed case, got %v", cases.updates)
	}
}

func TestCaseAdapterMirrorsCommentsOnce(t *testing.T) {
	cases := newFakeCaseStore()
	adapter, snapshots := newTestCaseAdapter(t, cases, nil)

	cases.details["case-9"] = &caseapi.CaseDetail{
		CaseID: "case-9",
		Status: models.StatusDetection,
		Comments: []caseapi.CaseComment{
			// 出站镜像早已写回过的 Jira 评论
			{Body: "[Jira Update] already mirrored"},
		},
	}
	if _, err := snapshots.SetMapping("case-9", models.SystemJira, "SEC-9"); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	ev := externalEvent(models.SystemJira, "SEC-9", &models.ExternalRecord{
		Status: "In Progress",
		Comments: []models.Comment{
			{Body: "already mirrored"},
			{Body: "new finding from jira"},
			// 本就源自案例侧的镜像消息，不得回灌
			{Body: "[Case Management Update] original case note"},
		},
	})
	if err := adapter.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got := cases.comments["case-9"]
	if len(got) != 1 {
		t.Fatalf("expected exactly one mirrored comment, got %v", got)
	}
	if !strings.Contains(got[0], "[Jira Update]") || !strings.Contains(got[0], "new finding from jira") {
		t.Fatalf("unexpected mirrored comment: %q", got[0])
	}
}

func TestCaseAdapterFetchesAttachmentsThroughFetcher(t *testing.T) {
	cases := newFakeCaseStore()
	fetched := 0
	fetchers := map[string]AttachmentFetcher{
		models.SystemJira: func(ctx context.Context, externalID string, att models.Attachment) ([]byte, error) {
			fetched++
			return []byte("issue attachment"), nil
		},
	}
	adapter, snapshots := newTestCaseAdapter(t, cases, fetchers)

	cases.details["case-9"] = &caseapi.CaseDetail{CaseID: "case-9", Status: models.StatusDetection}
	if _, err := snapshots.SetMapping("case-9", models.SystemJira, "SEC-9"); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	ev := externalEvent(models.SystemJira, "SEC-9", &models.ExternalRecord{
		Status: "In Progress",
		Attachments: []models.Attachment{
			{ID: "10001", Filename: "pcap.zip"},
		},
	})
	if err := adapter.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	if fetched != 1 {
		t.Fatalf("fetcher calls: got %d, want 1", fetched)
	}
	if len(cases.uploads) != 1 || !strings.Contains(cases.uploads[0], "pcap.zip") {
		t.Fatalf("attachment not uploaded to case: %v", cases.uploads)
	}
}

func TestCaseAdapterSkipsAttachmentsWithoutFetcher(t *testing.T) {
	cases := newFakeCaseStore()
	adapter, snapshots := newTestCaseAdapter(t, cases, nil)

	cases.details["case-9"] = &caseapi.CaseDetail{CaseID: "case-9", Status: models.StatusDetection}
	if _, err := snapshots.SetMapping("case-9", models.SystemSlack, "C123"); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	ev := externalEvent(models.SystemSlack, "C123", &models.ExternalRecord{
		Attachments: []models.Attachment{{ID: "F1", Filename: "screenshot.png"}},
	})
	if err := adapter.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(cases.uploads) != 0 {
		t.Fatalf("no fetcher registered, uploads must be empty: %v", cases.uploads)
	}
}
