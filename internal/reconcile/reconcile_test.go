package reconcile

import (
	"testing"

	"casebridge/internal/loopguard"
	"casebridge/internal/models"
)

func TestCommentsMissingSubset(t *testing.T) {
	source := []models.Comment{
		{Body: "first responder assigned"},
		{Body: "malware sample uploaded"},
	}
	target := []models.Comment{
		{Body: "first responder assigned"},
	}

	missing := Comments(source, target, nil)
	if len(missing) != 1 || missing[0].Body != "malware sample uploaded" {
		t.Fatalf("unexpected missing set: %+v", missing)
	}
}

func TestCommentsIdempotentAfterMirror(t *testing.T) {
	caseGuard := loopguard.ForSystem(models.SystemCaseManagement)
	jiraGuard := loopguard.ForSystem(models.SystemJira)

	source := []models.Comment{{Body: "containment started"}}

	// 第一轮：目标侧缺失
	missing := Comments(source, nil, jiraGuard)
	if len(missing) != 1 {
		t.Fatalf("expected 1 missing comment, got %d", len(missing))
	}

	// 镜像写入目标侧时会带上来源标记；第二轮 diff 必须为空
	target := []models.Comment{{Body: caseGuard.Tag(missing[0].Body)}}
	if again := Comments(source, target, jiraGuard); len(again) != 0 {
		t.Fatalf("second reconcile not empty: %+v", again)
	}
}

func TestCommentsSkipsTargetSynthetic(t *testing.T) {
	jiraGuard := loopguard.ForSystem(models.SystemJira)

	// 案例里这条评论本来就是从 Jira 镜像来的，不能再灌回 Jira
	source := []models.Comment{{Body: jiraGuard.Tag("triaged in Jira")}}
	if missing := Comments(source, nil, jiraGuard); len(missing) != 0 {
		t.Fatalf("jira-origin comment proposed back to jira: %+v", missing)
	}
}

func TestCommentsSkipsEmptyBodies(t *testing.T) {
	source := []models.Comment{{Body: "   "}, {Body: ""}}
	if missing := Comments(source, nil, nil); len(missing) != 0 {
		t.Fatalf("blank comments should not propagate: %+v", missing)
	}
}

func TestAttachmentsByFilename(t *testing.T) {
	source := []models.Attachment{
		{ID: "a1", Filename: "iocs.csv"},
		{ID: "a2", Filename: "memdump.bin"},
		{ID: "a3", Filename: ""},
	}
	target := []models.Attachment{
		{ID: "x9", Filename: "iocs.csv"}, // 不同 ID，同名即视为已同步
	}

	missing := Attachments(source, target)
	if len(missing) != 1 || missing[0].Filename != "memdump.bin" {
		t.Fatalf("unexpected missing attachments: %+v", missing)
	}
	if again := Attachments(source, append(target, missing...)); len(again) != 0 {
		t.Fatalf("second reconcile not empty: %+v", again)
	}
}

func TestWatchersCaseInsensitive(t *testing.T) {
	source := []models.Watcher{
		{Email: "Alice@Example.com"},
		{Email: "bob@example.com"},
	}
	target := []models.Watcher{
		{Email: "alice@example.com"},
	}

	missing := Watchers(source, target)
	if len(missing) != 1 || missing[0].Email != "bob@example.com" {
		t.Fatalf("unexpected missing watchers: %+v", missing)
	}
}
