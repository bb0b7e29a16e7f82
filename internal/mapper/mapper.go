package mapper

import (
	"fmt"
	"strings"

	"casebridge/internal/config"
	"casebridge/internal/loopguard"
	"casebridge/internal/models"
)

// Mapper 单个外部系统的状态/字段映射。纯函数：同一输入恒得同一输出。
// 映射表来自配置（数据不是逻辑），未映射的值落到默认状态而不是让整次同步失败。
type Mapper struct {
	system    string
	tables    config.MappingTables
	caseGuard *loopguard.Guard
}

// New 创建指定系统的映射器
func New(system string, tables config.MappingTables) *Mapper {
	return &Mapper{
		system:    system,
		tables:    tables,
		caseGuard: loopguard.ForSystem(models.SystemCaseManagement),
	}
}

// System 目标系统标识
func (m *Mapper) System() string {
	return m.system
}

// Outbound 案例状态 → 外部状态。多个内部状态坍缩到同一外部状态时
// 返回附注评论，避免信息静默丢失。
func (m *Mapper) Outbound(internalStatus string) (string, string) {
	external, ok := m.tables.Status[internalStatus]
	if !ok {
		return m.tables.StatusDefault, ""
	}

	collapsed := 0
	for _, v := range m.tables.Status {
		if v == external {
			collapsed++
		}
	}
	if collapsed > 1 {
		annotation := m.caseGuard.Tag(fmt.Sprintf(
			"Case status changed to '%s' (mapped to '%s')", internalStatus, external))
		return external, annotation
	}
	return external, ""
}

// Inbound 外部状态 → 案例状态。允许有损坍缩，不要求是 Outbound 的逆
func (m *Mapper) Inbound(externalStatus string) string {
	if internal, ok := m.tables.Inbound[externalStatus]; ok {
		return internal
	}
	return m.tables.InboundDefault
}

// Closure 结案码映射，未知值落到默认结案码
func (m *Mapper) Closure(code string) string {
	if code == "" {
		return ""
	}
	if mapped, ok := m.tables.Closure[strings.ToLower(code)]; ok {
		return mapped
	}
	return m.tables.ClosureDefault
}

// InboundClosure 外部结案码反查案例结案码，查不到返回空
func (m *Mapper) InboundClosure(external string) string {
	for k, v := range m.tables.Closure {
		if v == external {
			return k
		}
	}
	return ""
}

// Fields 按表序应用字段映射，产出外部字段名 → 值
func (m *Mapper) Fields(inc *models.Incident) map[string]string {
	out := make(map[string]string, len(m.tables.Fields))
	for _, rule := range m.tables.Fields {
		if v := incidentField(inc, rule.Source); v != "" {
			out[rule.Target] = v
		}
	}
	return out
}

// UnmappedDigest 把映射表没覆盖的字段折叠成一条带标记的补充信息评论。
// 没有额外信息时返回空串。
func (m *Mapper) UnmappedDigest(inc *models.Incident) string {
	mapped := make(map[string]bool, len(m.tables.Fields))
	for _, rule := range m.tables.Fields {
		mapped[rule.Source] = true
	}

	var b strings.Builder
	appendLine := func(label, value string) {
		if value != "" {
			b.WriteString(fmt.Sprintf("\n%s: %s", label, value))
		}
	}

	if !mapped["id"] {
		appendLine("Case ID", inc.ID)
	}
	if !mapped["severity"] {
		appendLine("Severity", inc.Severity)
	}
	if !mapped["impacted_resources"] && len(inc.ImpactedResources) > 0 {
		appendLine("Impacted Resources", strings.Join(inc.ImpactedResources, ", "))
	}
	if !mapped["created_at"] && !inc.CreatedAt.IsZero() {
		appendLine("Created Date", inc.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if !mapped["updated_at"] && !inc.UpdatedAt.IsZero() {
		appendLine("Last Updated", inc.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}

	if b.Len() == 0 {
		return ""
	}
	return m.caseGuard.Tag("Additional Information:" + b.String())
}

// incidentField 按名字取案例标量字段。显式枚举而不是反射，
// 边界处一次校验，未知字段名返回空
func incidentField(inc *models.Incident, name string) string {
	switch name {
	case "id":
		return inc.ID
	case "title":
		return inc.Title
	case "description":
		return inc.Description
	case "status":
		return inc.Status
	case "severity":
		return inc.Severity
	case "closure_code":
		return inc.ClosureCode
	default:
		return ""
	}
}
