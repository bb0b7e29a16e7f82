package config

import "testing"

func TestDefaultConfigCarriesMappingTables(t *testing.T) {
	cfg := GetDefaultConfig()

	if len(cfg.Mappings.Jira.Status) == 0 || cfg.Mappings.Jira.StatusDefault == "" {
		t.Fatal("jira status table incomplete")
	}
	if len(cfg.Mappings.ServiceNow.Status) == 0 || cfg.Mappings.ServiceNow.StatusDefault == "" {
		t.Fatal("servicenow status table incomplete")
	}
	if cfg.Mappings.Jira.InboundDefault == "" || cfg.Mappings.ServiceNow.InboundDefault == "" {
		t.Fatal("inbound defaults missing")
	}
	if cfg.Mappings.Jira.ClosureDefault == "" || cfg.Mappings.ServiceNow.ClosureDefault == "" {
		t.Fatal("closure defaults missing")
	}
	if cfg.Bus.Stream == "" || cfg.Bus.MaxDeliveries <= 0 {
		t.Fatal("bus defaults missing")
	}
	if cfg.Poller.FastInterval <= 0 || cfg.Poller.NormalInterval <= cfg.Poller.FastInterval {
		t.Fatal("poller intervals must satisfy fast < normal")
	}
}

func TestValidateRequiresCaseAPI(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.CaseAPI.BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing case_api.base_url")
	}
}

func TestValidateChecksEnabledAdapters(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.CaseAPI.BaseURL = "https://cases.example.com"

	cfg.Jira.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("jira enabled without credentials must fail")
	}
	cfg.Jira.BaseURL = "https://example.atlassian.net"
	cfg.Jira.APIToken = "token"
	cfg.Jira.ProjectKey = "SEC"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fully configured jira adapter rejected: %v", err)
	}

	cfg.Slack.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("slack enabled without bot token must fail")
	}
	cfg.Slack.BotToken = "xoxb-test"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fully configured slack adapter rejected: %v", err)
	}
}
