package mapper

import (
	"fmt"
	"regexp"
	"strings"

	"casebridge/internal/models"
)

// Slack 没有工作流状态，映射产物是频道名、主题与消息文本。

// 状态与严重度的表情标记，主题栏一眼可读
var slackStatusEmoji = map[string]string{
	models.StatusSubmitted:    "🆕",
	models.StatusAcknowledged: "👀",
	models.StatusDetection:    "🔍",
	models.StatusContainment:  "🛡️",
	models.StatusPostIncident: "📋",
	models.StatusReadyToClose: "🏁",
	models.StatusClosed:       "✅",
}

var slackSeverityEmoji = map[string]string{
	"Critical": "🔴",
	"High":     "🟠",
	"Medium":   "🟡",
	"Low":      "🟢",
}

var channelNameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// SlackChannelName 案例 ID 派生频道名，Slack 仅允许小写字母数字和连字符
func SlackChannelName(prefix, incidentID string) string {
	name := strings.ToLower(fmt.Sprintf("%s-%s", prefix, incidentID))
	return channelNameSanitizer.ReplaceAllString(name, "-")
}

// SlackChannelTopic 案例标题与状态渲染为频道主题
func SlackChannelTopic(inc *models.Incident) string {
	statusEmoji, ok := slackStatusEmoji[inc.Status]
	if !ok {
		statusEmoji = "❔"
	}
	severityEmoji, ok := slackSeverityEmoji[inc.Severity]
	if !ok {
		severityEmoji = "⚪"
	}
	return fmt.Sprintf("%s %s | %s", severityEmoji, statusEmoji, inc.Title)
}

// SlackStatusMessage 状态变化的频道通知文本
func SlackStatusMessage(inc *models.Incident) string {
	emoji, ok := slackStatusEmoji[inc.Status]
	if !ok {
		emoji = "❔"
	}
	return fmt.Sprintf("%s Case %s status changed to *%s*", emoji, inc.ID, inc.Status)
}

// SlackMessageToComment Slack 消息转为案例评论正文，带来源归属
func SlackMessageToComment(text, userName string) string {
	if userName == "" {
		userName = "Slack User"
	}
	return fmt.Sprintf("[Slack Message from %s]\n%s", userName, text)
}
