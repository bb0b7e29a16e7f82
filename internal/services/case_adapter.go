package services

import (
	"context"

	"casebridge/internal/config"
	"casebridge/internal/loopguard"
	"casebridge/internal/mapper"
	"casebridge/internal/models"
	"casebridge/internal/reconcile"
	"casebridge/internal/store"
	"casebridge/internal/syncerr"
	"casebridge/pkg/caseapi"
	"casebridge/pkg/retry"

	"github.com/sirupsen/logrus"
)

// AttachmentFetcher 按外部记录拉附件内容，入站镜像时由各系统客户端提供
type AttachmentFetcher func(ctx context.Context, externalID string, att models.Attachment) ([]byte, error)

// CaseAdapter 入站适配器。消费外部系统（webhook）事件，
// 把变化写回源系统。源系统是唯一事实所有权方：入站只提案，
// 冲突时以下一轮出站调和为准。
type CaseAdapter struct {
	cases     caseapi.Interface
	store     *store.SnapshotStore
	mappers   map[string]*mapper.Mapper
	fetchers  map[string]AttachmentFetcher
	caseGuard *loopguard.Guard
	policy    retry.Policy
	logger    *logrus.Logger
}

// NewCaseAdapter 创建入站适配器
func NewCaseAdapter(cases caseapi.Interface, snapshots *store.SnapshotStore,
	mappings config.MappingsConfig, fetchers map[string]AttachmentFetcher,
	policy retry.Policy, logger *logrus.Logger) *CaseAdapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &CaseAdapter{
		cases: cases,
		store: snapshots,
		mappers: map[string]*mapper.Mapper{
			models.SystemJira:       mapper.New(models.SystemJira, mappings.Jira),
			models.SystemServiceNow: mapper.New(models.SystemServiceNow, mappings.ServiceNow),
		},
		fetchers:  fetchers,
		caseGuard: loopguard.ForSystem(models.SystemCaseManagement),
		policy:    policy,
		logger:    logger,
	}
}

// Consumer 总线消费者名
func (a *CaseAdapter) Consumer() string {
	return "case-adapter"
}

// Handle 处理一条外部系统事件
func (a *CaseAdapter) Handle(ctx context.Context, ev *models.SyncEvent) error {
	if ev.SourceSystem == models.SystemCaseManagement || ev.External == nil {
		return nil
	}
	ext := ev.External

	incidentID, err := a.resolveIncident(ctx, ext)
	if err != nil {
		return err
	}
	if incidentID == "" {
		return nil
	}

	var detail *caseapi.CaseDetail
	err = retry.DoLogged(ctx, a.policy, a.logger, "caseapi.GetCase", func() error {
		var gerr error
		detail, gerr = a.cases.GetCase(ctx, incidentID)
		return gerr
	})
	if err != nil {
		return err
	}
	current := toIncident(detail)

	if err := a.applyStatus(ctx, ext, current); err != nil {
		return err
	}
	if err := a.applyComments(ctx, ext, current); err != nil {
		return err
	}
	return a.applyAttachments(ctx, ext, current)
}

// resolveIncident 外部记录 → 案例 ID，走唯一索引反查。
// 工单系统（Jira/ServiceNow）首次见到的记录就地建案例并登记映射；
// Slack 频道只能由出站方向创建，没有映射的频道跳过（返回空 ID），
// 避免任意频道消息凭空铸造案例。
func (a *CaseAdapter) resolveIncident(ctx context.Context, ext *models.ExternalRecord) (string, error) {
	incidentID, err := a.store.ResolveExternal(ext.System, ext.ExternalID)
	if err == nil {
		return incidentID, nil
	}
	if !syncerr.IsNotFound(err) {
		return "", err
	}
	if _, ok := a.mappers[ext.System]; !ok {
		a.logger.Warnf("no case mapped to %s record %s, skipping", ext.System, ext.ExternalID)
		return "", nil
	}

	guard := loopguard.ForSystem(ext.System)
	title := ext.Title
	if title == "" {
		title = "Incident from " + ext.System
	}
	req := &caseapi.CreateCaseRequest{
		Title:       title,
		Description: guard.Tag(ext.Description),
	}
	var newID string
	err = retry.DoLogged(ctx, a.policy, a.logger, "caseapi.CreateCase", func() error {
		var cerr error
		newID, cerr = a.cases.CreateCase(ctx, req)
		return cerr
	})
	if err != nil {
		return "", err
	}

	winner, err := a.store.SetMapping(newID, ext.System, ext.ExternalID)
	if err != nil {
		return "", err
	}
	if winner.IncidentID != newID {
		a.logger.Warnf("duplicate case %s for %s record %s, following existing %s",
			newID, ext.System, ext.ExternalID, winner.IncidentID)
		return winner.IncidentID, nil
	}
	a.logger.Infof("created case %s for %s record %s", newID, ext.System, ext.ExternalID)
	return newID, nil
}

// applyStatus 外部状态映射回案例状态。Slack 等无状态系统没有映射表，跳过。
// 有损坍缩是接受的：外部只能把案例推进到映射表允许的状态。
func (a *CaseAdapter) applyStatus(ctx context.Context, ext *models.ExternalRecord, current *models.Incident) error {
	m, ok := a.mappers[ext.System]
	if !ok || ext.Status == "" {
		return nil
	}

	mapped := m.Inbound(ext.Status)
	if mapped == "" || mapped == current.Status {
		return nil
	}
	if current.Terminal() {
		// 终态案例不接受外部状态回写
		a.logger.Debugf("ignoring %s status %q for closed case %s", ext.System, ext.Status, current.ID)
		return nil
	}

	req := &caseapi.UpdateCaseRequest{Status: mapped}
	if mapped == models.StatusClosed {
		if code := m.InboundClosure(ext.ClosureCode); code != "" {
			req.ClosureCode = code
		}
	}
	err := retry.DoLogged(ctx, a.policy, a.logger, "caseapi.UpdateCase", func() error {
		return a.cases.UpdateCase(ctx, current.ID, req)
	})
	if err != nil {
		return err
	}
	a.logger.Infof("case %s status %s -> %s (from %s %q)",
		current.ID, current.Status, mapped, ext.System, ext.Status)
	return nil
}

// applyComments 外部评论镜像回案例，带来源标记防回环
func (a *CaseAdapter) applyComments(ctx context.Context, ext *models.ExternalRecord, current *models.Incident) error {
	guard := loopguard.ForSystem(ext.System)
	for _, c := range reconcile.Comments(ext.Comments, current.Comments, a.caseGuard) {
		body := guard.Tag(c.Body)
		err := retry.DoLogged(ctx, a.policy, a.logger, "caseapi.AddComment", func() error {
			return a.cases.AddComment(ctx, current.ID, body)
		})
		if err != nil {
			return err
		}
		a.logger.Debugf("mirrored %s comment to case %s", ext.System, current.ID)
	}
	return nil
}

// applyAttachments 外部附件镜像回案例，内容经该系统的 fetcher 拉取，
// 走源系统预签名上传。没有 fetcher 的系统只记日志。
func (a *CaseAdapter) applyAttachments(ctx context.Context, ext *models.ExternalRecord, current *models.Incident) error {
	missing := reconcile.Attachments(ext.Attachments, current.Attachments)
	if len(missing) == 0 {
		return nil
	}

	fetch, ok := a.fetchers[ext.System]
	if !ok {
		a.logger.Debugf("no attachment fetcher for %s, skipping %d attachments", ext.System, len(missing))
		return nil
	}

	for _, att := range missing {
		var data []byte
		err := retry.DoLogged(ctx, a.policy, a.logger, "fetch external attachment", func() error {
			var ferr error
			data, ferr = fetch(ctx, ext.ExternalID, att)
			return ferr
		})
		if err != nil {
			return err
		}
		err = retry.DoLogged(ctx, a.policy, a.logger, "caseapi.UploadAttachment", func() error {
			url, uerr := a.cases.AttachmentUploadURL(ctx, current.ID, att.Filename, int64(len(data)))
			if uerr != nil {
				return uerr
			}
			return a.cases.UploadAttachment(ctx, url, data)
		})
		if err != nil {
			return err
		}
		a.logger.Infof("mirrored %s attachment %s to case %s", ext.System, att.Filename, current.ID)
	}
	return nil
}
