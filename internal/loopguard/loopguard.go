package loopguard

import (
	"fmt"
	"strings"

	"casebridge/internal/models"
)

// 各系统的回环标记。适配器写入对端的合成内容都带上来源标记，
// 读回再次提案传播时由 IsSynthetic 拦下，防止无限乒乓。
var markers = map[string]string{
	models.SystemCaseManagement: "[Case Management Update]",
	models.SystemJira:           "[Jira Update]",
	models.SystemServiceNow:     "[ServiceNow Update]",
	models.SystemSlack:          "[Slack Update]",
}

// Guard 单个系统身份的回环防护
type Guard struct {
	system string
	marker string
}

// ForSystem 返回指定系统身份的 Guard，未知系统用通用标记兜底
func ForSystem(system string) *Guard {
	m, ok := markers[system]
	if !ok {
		m = fmt.Sprintf("[%s Update]", system)
	}
	return &Guard{system: system, marker: m}
}

// Marker 该系统的标记文本
func (g *Guard) Marker() string {
	return g.marker
}

// Tag 给正文打上来源标记，幂等：已带标记的正文原样返回
func (g *Guard) Tag(body string) string {
	if g.IsSynthetic(body) {
		return body
	}
	return g.marker + " " + body
}

// IsSynthetic 正文是否携带该系统的标记
func (g *Guard) IsSynthetic(body string) bool {
	return strings.Contains(body, g.marker)
}

// Strip 去掉该系统的标记，用于内容比对
func (g *Guard) Strip(body string) string {
	return strings.TrimSpace(strings.ReplaceAll(body, g.marker, ""))
}

// Normalize 去掉全部已知系统标记并裁剪空白。
// 调和器用归一化正文判等，镜像评论（tag 后写入）与原始评论视为同一条。
func Normalize(body string) string {
	for _, m := range markers {
		body = strings.ReplaceAll(body, m, "")
	}
	return strings.TrimSpace(body)
}
