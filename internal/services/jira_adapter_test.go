package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"casebridge/internal/config"
	"casebridge/internal/loopguard"
	"casebridge/internal/models"
	"casebridge/internal/syncerr"
	"casebridge/pkg/caseapi"
	"casebridge/pkg/jira"
	"casebridge/pkg/retry"
)

type fakeJira struct {
	mu      sync.Mutex
	seq     int
	issues  map[string]*jira.Issue
	created int

	createErr error
}

func newFakeJira() *fakeJira {
	return &fakeJira{issues: make(map[string]*jira.Issue)}
}

func (f *fakeJira) CreateIssue(ctx context.Context, req *jira.CreateIssueRequest) (*jira.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	f.created++
	issue := &jira.Issue{
		Key:         fmt.Sprintf("%s-%d", req.ProjectKey, f.seq),
		Summary:     req.Summary,
		Description: req.Description,
		Status:      "To Do",
	}
	f.issues[issue.Key] = issue
	copied := *issue
	return &copied, nil
}

func (f *fakeJira) UpdateIssue(ctx context.Context, key string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := f.issues[key]
	if v, ok := fields["summary"]; ok {
		issue.Summary = v
	}
	if v, ok := fields["description"]; ok {
		issue.Description = v
	}
	return nil
}

func (f *fakeJira) GetIssue(ctx context.Context, key string) (*jira.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[key]
	if !ok {
		return nil, syncerr.Ef(syncerr.KindNotFound, "jira.GetIssue", "issue %s not found", key)
	}
	copied := *issue
	copied.Comments = append([]jira.IssueComment(nil), issue.Comments...)
	copied.Attachments = append([]jira.IssueAttachment(nil), issue.Attachments...)
	copied.Watchers = append([]string(nil), issue.Watchers...)
	return &copied, nil
}

func (f *fakeJira) TransitionIssue(ctx context.Context, key, targetStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues[key].Status = targetStatus
	return nil
}

func (f *fakeJira) AddComment(ctx context.Context, key, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := f.issues[key]
	issue.Comments = append(issue.Comments, jira.IssueComment{Body: body})
	return nil
}

func (f *fakeJira) AddAttachment(ctx context.Context, key, filename string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := f.issues[key]
	issue.Attachments = append(issue.Attachments, jira.IssueAttachment{
		Filename: filename,
		Size:     int64(len(data)),
	})
	return nil
}

func (f *fakeJira) DownloadAttachment(ctx context.Context, attachmentID string) ([]byte, error) {
	return []byte("jira attachment content"), nil
}

func (f *fakeJira) AddWatcher(ctx context.Context, key, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := f.issues[key]
	issue.Watchers = append(issue.Watchers, email)
	return nil
}

func (f *fakeJira) Watchers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.issues[key].Watchers...), nil
}

func (f *fakeJira) comments(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for _, c := range f.issues[key].Comments {
		out = append(out, c.Body)
	}
	return out
}

// fakeCaseAPI 源系统桩：记录写回的评论，附件内容固定
type fakeCaseAPI struct {
	mu       sync.Mutex
	comments []string
}

func (f *fakeCaseAPI) ListCases(ctx context.Context, pageToken string) (*caseapi.ListCasesResponse, error) {
	return &caseapi.ListCasesResponse{}, nil
}

func (f *fakeCaseAPI) GetCase(ctx context.Context, caseID string) (*caseapi.CaseDetail, error) {
	return nil, syncerr.Ef(syncerr.KindNotFound, "caseapi.GetCase", "case %s not found", caseID)
}

func (f *fakeCaseAPI) CreateCase(ctx context.Context, req *caseapi.CreateCaseRequest) (string, error) {
	return "case-new", nil
}

func (f *fakeCaseAPI) UpdateCase(ctx context.Context, caseID string, req *caseapi.UpdateCaseRequest) error {
	return nil
}

func (f *fakeCaseAPI) AddComment(ctx context.Context, caseID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeCaseAPI) AttachmentDownloadURL(ctx context.Context, caseID, attachmentID string) (string, error) {
	return "https://example.com/download/" + attachmentID, nil
}

func (f *fakeCaseAPI) AttachmentUploadURL(ctx context.Context, caseID, filename string, size int64) (string, error) {
	return "https://example.com/upload/" + filename, nil
}

func (f *fakeCaseAPI) DownloadAttachment(ctx context.Context, presignedURL string) ([]byte, error) {
	return []byte("case attachment content"), nil
}

func (f *fakeCaseAPI) UploadAttachment(ctx context.Context, presignedURL string, data []byte) error {
	return nil
}

func newTestJiraAdapter(t *testing.T, client *fakeJira) (*JiraAdapter, *fakeCaseAPI) {
	t.Helper()
	cases := &fakeCaseAPI{}
	adapter := NewJiraAdapter(client, cases, testSnapshotStore(t),
		config.JiraConfig{ProjectKey: "SEC", IssueType: "Task"},
		config.GetDefaultConfig().Mappings.Jira,
		retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		nil)
	return adapter, cases
}

func caseEvent(inc *models.Incident, evType string) *models.SyncEvent {
	return &models.SyncEvent{
		ID:           "ev-" + inc.ID,
		IncidentID:   inc.ID,
		Type:         evType,
		SourceSystem: models.SystemCaseManagement,
		OccurredAt:   time.Now(),
		Incident:     inc,
	}
}

func TestJiraAdapterCreatesIssueAndMapping(t *testing.T) {
	client := newFakeJira()
	adapter, _ := newTestJiraAdapter(t, client)

	inc := &models.Incident{
		ID:     "case-1",
		Title:  "Credential stuffing on login endpoint",
		Status: models.StatusSubmitted,
	}
	if err := adapter.Handle(context.Background(), caseEvent(inc, models.EventCreated)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	if client.created != 1 {
		t.Fatalf("expected 1 issue created, got %d", client.created)
	}
	mapping, err := adapter.store.Mapping("case-1", models.SystemJira)
	if err != nil {
		t.Fatalf("mapping not stored: %v", err)
	}
	if mapping.ExternalID != "SEC-1" {
		t.Fatalf("unexpected mapping: %s", mapping.ExternalID)
	}
}

func TestJiraAdapterIgnoresForeignEvents(t *testing.T) {
	client := newFakeJira()
	adapter, _ := newTestJiraAdapter(t, client)

	ev := &models.SyncEvent{
		ID:           "ev-1",
		IncidentID:   "case-1",
		Type:         models.EventUpdated,
		SourceSystem: models.SystemJira,
		External:     &models.ExternalRecord{System: models.SystemJira, ExternalID: "SEC-9"},
	}
	if err := adapter.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if client.created != 0 {
		t.Fatalf("foreign event must not create issues, got %d", client.created)
	}
}

func TestJiraAdapterReconcileIsIdempotent(t *testing.T) {
	client := newFakeJira()
	adapter, _ := newTestJiraAdapter(t, client)

	inc := &models.Incident{
		ID:     "case-1",
		Title:  "Phishing campaign",
		Status: models.StatusDetection,
		Comments: []models.Comment{
			{Body: "initial triage done", Author: "analyst"},
		},
		Attachments: []models.Attachment{
			{ID: "att-1", Filename: "headers.txt"},
		},
	}

	ctx := context.Background()
	if err := adapter.Handle(ctx, caseEvent(inc, models.EventCreated)); err != nil {
		t.Fatalf("first handle failed: %v", err)
	}
	firstComments := client.comments("SEC-1")
	firstAttachments := len(client.issues["SEC-1"].Attachments)

	// 事件重复投递：调和应当什么都不再写
	if err := adapter.Handle(ctx, caseEvent(inc, models.EventCommentAdded)); err != nil {
		t.Fatalf("second handle failed: %v", err)
	}

	if client.created != 1 {
		t.Fatalf("redelivery created a second issue")
	}
	if got := client.comments("SEC-1"); len(got) != len(firstComments) {
		t.Fatalf("redelivery duplicated comments: before %d, after %d", len(firstComments), len(got))
	}
	if got := len(client.issues["SEC-1"].Attachments); got != firstAttachments {
		t.Fatalf("redelivery duplicated attachments: before %d, after %d", firstAttachments, got)
	}
}

func TestJiraAdapterMirrorsCommentsWithOriginMarker(t *testing.T) {
	client := newFakeJira()
	adapter, _ := newTestJiraAdapter(t, client)
	jiraGuard := loopguard.ForSystem(models.SystemJira)
	caseGuard := loopguard.ForSystem(models.SystemCaseManagement)

	inc := &models.Incident{
		ID:     "case-1",
		Title:  "Suspicious OAuth grant",
		Status: models.StatusDetection,
		Comments: []models.Comment{
			{Body: "revoked the grant", Author: "analyst"},
			// 从 Jira 镜像回案例的评论不得再传播回 Jira
			{Body: jiraGuard.Tag("triage note from jira"), Author: "bridge"},
		},
	}
	if err := adapter.Handle(context.Background(), caseEvent(inc, models.EventCommentAdded)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	var mirrored []string
	for _, body := range client.comments("SEC-1") {
		if strings.Contains(body, "triage note from jira") {
			t.Fatalf("jira-origin comment echoed back: %q", body)
		}
		if loopguard.Normalize(body) == "revoked the grant" {
			mirrored = append(mirrored, body)
		}
	}
	if len(mirrored) != 1 {
		t.Fatalf("expected one mirrored analyst comment, got %v", mirrored)
	}
	if !caseGuard.IsSynthetic(mirrored[0]) {
		t.Fatalf("mirrored comment missing origin marker: %q", mirrored[0])
	}
}

func TestJiraAdapterClosesIssueWithClosureNote(t *testing.T) {
	client := newFakeJira()
	adapter, _ := newTestJiraAdapter(t, client)

	inc := &models.Incident{
		ID:          "case-1",
		Title:       "Crypto miner on build agent",
		Status:      models.StatusClosed,
		ClosureCode: "resolved",
	}
	if err := adapter.Handle(context.Background(), caseEvent(inc, models.EventUpdated)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	issue := client.issues["SEC-1"]
	if issue.Status != "Done" {
		t.Fatalf("expected issue transitioned to Done, got %s", issue.Status)
	}
	found := false
	for _, body := range client.comments("SEC-1") {
		if strings.Contains(body, "Case closed with code: Resolved") {
			found = true
		}
	}
	if !found {
		t.Fatalf("closure note missing, comments: %v", client.comments("SEC-1"))
	}
}

func TestJiraAdapterPermanentFailureAnnotatesCase(t *testing.T) {
	client := newFakeJira()
	client.createErr = syncerr.Ef(syncerr.KindRejected, "jira.CreateIssue", "field 'summary' is required")
	adapter, cases := newTestJiraAdapter(t, client)

	inc := &models.Incident{ID: "case-1", Title: "Broken sync", Status: models.StatusSubmitted}
	if err := adapter.Handle(context.Background(), caseEvent(inc, models.EventCreated)); err != nil {
		t.Fatalf("permanent failure must be acked, got: %v", err)
	}

	cases.mu.Lock()
	defer cases.mu.Unlock()
	if len(cases.comments) != 1 {
		t.Fatalf("expected one failure annotation, got %v", cases.comments)
	}
	note := cases.comments[0]
	if !strings.Contains(note, "[Jira Update]") || !strings.Contains(note, "Failed to sync") {
		t.Fatalf("unexpected annotation: %q", note)
	}
}

func TestJiraAdapterTransientFailurePropagates(t *testing.T) {
	client := newFakeJira()
	client.createErr = syncerr.E(syncerr.KindTransient, "jira.CreateIssue", errors.New("gateway timeout"))
	adapter, cases := newTestJiraAdapter(t, client)

	inc := &models.Incident{ID: "case-1", Title: "Flaky network", Status: models.StatusSubmitted}
	err := adapter.Handle(context.Background(), caseEvent(inc, models.EventCreated))
	if err == nil {
		t.Fatal("transient failure must propagate for redelivery")
	}
	if len(cases.comments) != 0 {
		t.Fatalf("transient failure must not annotate the case, got %v", cases.comments)
	}
}
