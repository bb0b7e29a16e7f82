package mapper

import (
	"strings"
	"testing"

	"casebridge/internal/models"
)

func TestSlackChannelName(t *testing.T) {
	got := SlackChannelName("case", "CASE_2024/001")
	if got != "case-case-2024-001" {
		t.Fatalf("unexpected channel name %q", got)
	}
	if strings.ToLower(got) != got {
		t.Fatalf("channel name must be lowercase: %q", got)
	}
}

func TestSlackChannelTopic(t *testing.T) {
	topic := SlackChannelTopic(&models.Incident{
		Title:    "Credential stuffing",
		Status:   models.StatusContainment,
		Severity: "Critical",
	})
	if !strings.Contains(topic, "Credential stuffing") {
		t.Fatalf("topic missing title: %q", topic)
	}
	if !strings.Contains(topic, "🔴") || !strings.Contains(topic, "🛡️") {
		t.Fatalf("topic missing severity/status emoji: %q", topic)
	}
}

func TestSlackStatusMessageUnknownStatus(t *testing.T) {
	msg := SlackStatusMessage(&models.Incident{ID: "case-1", Status: "Mystery"})
	if !strings.Contains(msg, "Mystery") || !strings.Contains(msg, "❔") {
		t.Fatalf("unexpected status message: %q", msg)
	}
}

func TestSlackMessageToComment(t *testing.T) {
	got := SlackMessageToComment("we see beaconing", "")
	if !strings.Contains(got, "Slack User") || !strings.Contains(got, "we see beaconing") {
		t.Fatalf("unexpected comment body: %q", got)
	}
}
