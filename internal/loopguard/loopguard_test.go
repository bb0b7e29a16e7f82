package loopguard

import (
	"testing"

	"casebridge/internal/models"
)

func TestTagIsIdempotent(t *testing.T) {
	g := ForSystem(models.SystemJira)

	once := g.Tag("investigating the alert")
	twice := g.Tag(once)
	if once != twice {
		t.Fatalf("tagging twice changed the body: %q vs %q", once, twice)
	}
	if !g.IsSynthetic(once) {
		t.Fatalf("tagged body not detected as synthetic: %q", once)
	}
}

func TestIsSyntheticOnForeignMarker(t *testing.T) {
	jira := ForSystem(models.SystemJira)
	slack := ForSystem(models.SystemSlack)

	body := slack.Tag("message from the war room")
	if jira.IsSynthetic(body) {
		t.Fatalf("slack-tagged body wrongly detected as jira-synthetic")
	}
	if !slack.IsSynthetic(body) {
		t.Fatalf("slack-tagged body not detected as slack-synthetic")
	}
}

func TestNormalizeStripsAllMarkers(t *testing.T) {
	body := "host isolated"
	for _, system := range []string{
		models.SystemCaseManagement, models.SystemJira, models.SystemServiceNow, models.SystemSlack,
	} {
		tagged := ForSystem(system).Tag(body)
		if got := Normalize(tagged); got != body {
			t.Fatalf("Normalize(%q) = %q, want %q", tagged, got, body)
		}
	}
}

func TestForSystemFallbackMarker(t *testing.T) {
	g := ForSystem("pagerduty")
	if g.Marker() != "[pagerduty Update]" {
		t.Fatalf("unexpected fallback marker: %q", g.Marker())
	}
}

func TestStrip(t *testing.T) {
	g := ForSystem(models.SystemServiceNow)
	if got := g.Strip(g.Tag("work note")); got != "work note" {
		t.Fatalf("Strip returned %q", got)
	}
}
