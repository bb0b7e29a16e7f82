package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	CaseAPI    CaseAPIConfig    `yaml:"case_api"`
	Jira       JiraConfig       `yaml:"jira"`
	ServiceNow ServiceNowConfig `yaml:"servicenow"`
	Slack      SlackConfig      `yaml:"slack"`
	Poller     PollerConfig     `yaml:"poller"`
	Bus        BusConfig        `yaml:"bus"`
	Retry      RetryConfig      `yaml:"retry"`
	Mappings   MappingsConfig   `yaml:"mappings"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

// CaseAPIConfig 源系统（案例管理服务）访问配置
type CaseAPIConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	PageSize int           `yaml:"page_size"`
}

// JiraConfig Jira 适配器配置
type JiraConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url"`
	Email      string        `yaml:"email"`
	APIToken   string        `yaml:"api_token"`
	ProjectKey string        `yaml:"project_key"`
	IssueType  string        `yaml:"issue_type"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ServiceNowConfig ServiceNow 适配器配置
type ServiceNowConfig struct {
	Enabled     bool          `yaml:"enabled"`
	InstanceURL string        `yaml:"instance_url"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Table       string        `yaml:"table"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SlackConfig Slack 适配器配置
type SlackConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"base_url"`
	BotToken      string        `yaml:"bot_token"`
	ChannelPrefix string        `yaml:"channel_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

// PollerConfig 变更探测轮询配置。
// 有未关闭案例时用 fast_interval，否则退回 normal_interval。
type PollerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	FastInterval   time.Duration `yaml:"fast_interval"`
	NormalInterval time.Duration `yaml:"normal_interval"`
}

// BusConfig 事件总线配置（Redis Streams）
type BusConfig struct {
	Stream        string        `yaml:"stream"`
	MaxDeliveries int           `yaml:"max_deliveries"`
	ClaimIdle     time.Duration `yaml:"claim_idle"`
	Block         time.Duration `yaml:"block"`
}

// RetryConfig 出站调用重试策略
type RetryConfig struct {
	MaxAttempts uint64        `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// FieldRule 字段映射规则，有序：target 外部字段 ← source 案例字段
type FieldRule struct {
	Target string `yaml:"target"`
	Source string `yaml:"source"`
}

// MappingTables 单个外部系统的映射表。映射是数据不是逻辑，
// 新增系统只需补一组表，不碰调和逻辑。
type MappingTables struct {
	Status         map[string]string `yaml:"status"`
	StatusDefault  string            `yaml:"status_default"`
	Inbound        map[string]string `yaml:"inbound"`
	InboundDefault string            `yaml:"inbound_default"`
	Fields         []FieldRule       `yaml:"fields"`
	Closure        map[string]string `yaml:"closure"`
	ClosureDefault string            `yaml:"closure_default"`
}

// MappingsConfig 各系统映射表
type MappingsConfig struct {
	Jira       MappingTables `yaml:"jira"`
	ServiceNow MappingTables `yaml:"servicenow"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxAge     int    `yaml:"max_age"`  // days
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MetricsPath string        `yaml:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

func Load() *Config {
	config := GetDefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		panic(err)
	}
	return config
}

// Validate 校验启用的适配器是否配齐凭证。缺配置快速失败，重试修不好。
func (c *Config) Validate() error {
	if c.CaseAPI.BaseURL == "" {
		return fmt.Errorf("case_api.base_url is required")
	}
	if c.Jira.Enabled {
		if c.Jira.BaseURL == "" || c.Jira.APIToken == "" || c.Jira.ProjectKey == "" {
			return fmt.Errorf("jira adapter enabled but base_url/api_token/project_key missing")
		}
	}
	if c.ServiceNow.Enabled {
		if c.ServiceNow.InstanceURL == "" || c.ServiceNow.Username == "" || c.ServiceNow.Password == "" {
			return fmt.Errorf("servicenow adapter enabled but instance_url/username/password missing")
		}
	}
	if c.Slack.Enabled && c.Slack.BotToken == "" {
		return fmt.Errorf("slack adapter enabled but bot_token missing")
	}
	return nil
}

// GetDefaultConfig 返回默认配置，映射表默认值与线上词汇表一致
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "casebridge",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 5,
		},
		CaseAPI: CaseAPIConfig{
			BaseURL:  "http://localhost:9000",
			Timeout:  30 * time.Second,
			PageSize: 25,
		},
		Jira: JiraConfig{
			Enabled:   false,
			IssueType: "Task",
			Timeout:   30 * time.Second,
		},
		ServiceNow: ServiceNowConfig{
			Enabled: false,
			Table:   "incident",
			Timeout: 30 * time.Second,
		},
		Slack: SlackConfig{
			Enabled:       false,
			BaseURL:       "https://slack.com/api",
			ChannelPrefix: "case",
			Timeout:       30 * time.Second,
		},
		Poller: PollerConfig{
			Enabled:        true,
			FastInterval:   1 * time.Minute,
			NormalInterval: 5 * time.Minute,
		},
		Bus: BusConfig{
			Stream:        "casebridge:events",
			MaxDeliveries: 5,
			ClaimIdle:     2 * time.Minute,
			Block:         5 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
		},
		Mappings: MappingsConfig{
			Jira: MappingTables{
				Status: map[string]string{
					"Acknowledged":                           "In Progress",
					"Detection and Analysis":                 "In Progress",
					"Containment, Eradication and Recovery":  "In Progress",
					"Post-incident Activities":               "In Review",
					"Ready to Close":                         "In Review",
					"Closed":                                 "Done",
				},
				StatusDefault: "To Do",
				Inbound: map[string]string{
					"To Do":       "Submitted",
					"In Progress": "Detection and Analysis",
					"Done":        "Closed",
				},
				InboundDefault: "Submitted",
				Fields: []FieldRule{
					{Target: "summary", Source: "title"},
					{Target: "description", Source: "description"},
				},
				Closure: map[string]string{
					"false_positive":    "False Positive",
					"resolved":          "Resolved",
					"duplicate":         "Duplicate",
					"benign":            "Benign",
					"expected_activity": "Expected Activity",
				},
				ClosureDefault: "Other",
			},
			ServiceNow: MappingTables{
				Status: map[string]string{
					"Detection and Analysis":                 "2",
					"Containment, Eradication and Recovery":  "2",
					"Post-incident Activities":               "2",
					"Ready to Close":                         "6",
					"Closed":                                 "7",
				},
				StatusDefault: "1",
				Inbound: map[string]string{
					"1": "Submitted",
					"2": "Detection and Analysis",
					"6": "Ready to Close",
					"7": "Closed",
				},
				InboundDefault: "Submitted",
				Fields: []FieldRule{
					{Target: "short_description", Source: "title"},
					{Target: "description", Source: "description"},
				},
				Closure: map[string]string{
					"false_positive":    "Known error",
					"resolved":          "Solved (Permanently)",
					"duplicate":         "Duplicate",
					"benign":            "Not Solved (Not Reproducible)",
					"expected_activity": "Solved (Work Around)",
				},
				ClosureDefault: "Other",
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/casebridge.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "casebridge",
			},
		},
	}
}
