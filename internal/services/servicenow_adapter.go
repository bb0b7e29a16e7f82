package services

import (
	"context"
	"fmt"
	"strings"

	"casebridge/internal/config"
	"casebridge/internal/loopguard"
	"casebridge/internal/mapper"
	"casebridge/internal/models"
	"casebridge/internal/reconcile"
	"casebridge/internal/store"
	"casebridge/internal/syncerr"
	"casebridge/pkg/caseapi"
	"casebridge/pkg/retry"
	"casebridge/pkg/servicenow"

	"github.com/sirupsen/logrus"
)

// ServiceNowAdapter ServiceNow 出站适配器。与 Jira 适配器同构：
// 事件触发“拉取当前事实并调和”，评论落在工作笔记，状态是数字状态码。
type ServiceNowAdapter struct {
	client servicenow.Interface
	cases  caseapi.Interface
	store  *store.SnapshotStore
	cfg    config.ServiceNowConfig
	mapper *mapper.Mapper
	guard  *loopguard.Guard
	policy retry.Policy
	logger *logrus.Logger
}

// NewServiceNowAdapter 创建 ServiceNow 适配器
func NewServiceNowAdapter(client servicenow.Interface, cases caseapi.Interface, snapshots *store.SnapshotStore,
	cfg config.ServiceNowConfig, tables config.MappingTables, policy retry.Policy, logger *logrus.Logger) *ServiceNowAdapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &ServiceNowAdapter{
		client: client,
		cases:  cases,
		store:  snapshots,
		cfg:    cfg,
		mapper: mapper.New(models.SystemServiceNow, tables),
		guard:  loopguard.ForSystem(models.SystemServiceNow),
		policy: policy,
		logger: logger,
	}
}

// Consumer 总线消费者名
func (a *ServiceNowAdapter) Consumer() string {
	return "servicenow-adapter"
}

// Handle 处理一条同步事件
func (a *ServiceNowAdapter) Handle(ctx context.Context, ev *models.SyncEvent) error {
	if ev.SourceSystem != models.SystemCaseManagement || ev.Incident == nil {
		return nil
	}
	inc := ev.Incident

	err := a.reconcileIncident(ctx, inc)
	if err == nil {
		return a.store.TouchMapping(inc.ID, models.SystemServiceNow)
	}
	if syncerr.Retriable(err) {
		return err
	}

	a.logger.Errorf("permanent ServiceNow sync failure for case %s: %v", inc.ID, err)
	a.annotateFailure(ctx, inc.ID, err)
	return nil
}

func (a *ServiceNowAdapter) reconcileIncident(ctx context.Context, inc *models.Incident) error {
	sysID, created, err := a.ensureRecord(ctx, inc)
	if err != nil {
		return err
	}

	var record *servicenow.Record
	err = retry.DoLogged(ctx, a.policy, a.logger, "servicenow.GetIncident", func() error {
		var gerr error
		record, gerr = a.client.GetIncident(ctx, sysID)
		return gerr
	})
	if err != nil {
		return fmt.Errorf("mapped record %s unavailable: %w", sysID, err)
	}

	if !created {
		if err := a.syncFields(ctx, inc, record); err != nil {
			return err
		}
	}
	if err := a.syncComments(ctx, inc, record); err != nil {
		return err
	}
	if err := a.syncAttachments(ctx, inc, record); err != nil {
		return err
	}
	return a.syncWatchers(ctx, inc, record)
}

// ensureRecord 确保案例有对应 incident 记录，先写者胜
func (a *ServiceNowAdapter) ensureRecord(ctx context.Context, inc *models.Incident) (string, bool, error) {
	existing, err := a.store.Mapping(inc.ID, models.SystemServiceNow)
	if err == nil {
		return existing.ExternalID, false, nil
	}
	if !syncerr.IsNotFound(err) {
		return "", false, err
	}

	state, _ := a.mapper.Outbound(inc.Status)
	payload := &servicenow.IncidentPayload{
		ShortDescription: inc.Title,
		Description:      inc.Description,
		State:            state,
		CorrelationID:    inc.ID,
	}
	var record *servicenow.Record
	err = retry.DoLogged(ctx, a.policy, a.logger, "servicenow.CreateIncident", func() error {
		var cerr error
		record, cerr = a.client.CreateIncident(ctx, payload)
		return cerr
	})
	if err != nil {
		return "", false, err
	}

	winner, err := a.store.SetMapping(inc.ID, models.SystemServiceNow, record.SysID)
	if err != nil {
		return "", false, err
	}
	if winner.ExternalID != record.SysID {
		a.logger.Warnf("duplicate ServiceNow record %s for case %s, following existing %s",
			record.SysID, inc.ID, winner.ExternalID)
		return winner.ExternalID, false, nil
	}
	a.logger.Infof("created ServiceNow incident %s (%s) for case %s", record.Number, record.SysID, inc.ID)

	if digest := a.mapper.UnmappedDigest(inc); digest != "" {
		err = retry.DoLogged(ctx, a.policy, a.logger, "servicenow.AddWorkNote", func() error {
			return a.client.AddWorkNote(ctx, record.SysID, digest)
		})
		if err != nil {
			return "", false, err
		}
	}
	return record.SysID, true, nil
}

// syncFields 标题/描述/状态对齐。状态坍缩时附注工作笔记，
// 终态补结案码与结案说明。
func (a *ServiceNowAdapter) syncFields(ctx context.Context, inc *models.Incident, record *servicenow.Record) error {
	payload := &servicenow.IncidentPayload{}
	dirty := false

	if inc.Title != "" && inc.Title != record.ShortDescription {
		payload.ShortDescription = inc.Title
		dirty = true
	}
	if inc.Description != "" && inc.Description != record.Description {
		payload.Description = inc.Description
		dirty = true
	}

	state, annotation := a.mapper.Outbound(inc.Status)
	if state != "" && state != record.State {
		payload.State = state
		dirty = true
		if inc.Terminal() {
			payload.CloseCode = a.mapper.Closure(inc.ClosureCode)
			payload.CloseNotes = fmt.Sprintf("Case %s closed", inc.ID)
		}
	} else {
		annotation = ""
	}

	if !dirty {
		return nil
	}
	err := retry.DoLogged(ctx, a.policy, a.logger, "servicenow.UpdateIncident", func() error {
		return a.client.UpdateIncident(ctx, record.SysID, payload)
	})
	if err != nil {
		return err
	}
	a.logger.Infof("updated ServiceNow incident %s for case %s", record.SysID, inc.ID)

	if annotation != "" {
		return retry.DoLogged(ctx, a.policy, a.logger, "servicenow.AddWorkNote", func() error {
			return a.client.AddWorkNote(ctx, record.SysID, annotation)
		})
	}
	return nil
}

// syncComments 案例评论镜像到工作笔记
func (a *ServiceNowAdapter) syncComments(ctx context.Context, inc *models.Incident, record *servicenow.Record) error {
	var notes []servicenow.JournalEntry
	err := retry.DoLogged(ctx, a.policy, a.logger, "servicenow.WorkNotes", func() error {
		var werr error
		notes, werr = a.client.WorkNotes(ctx, record.SysID)
		return werr
	})
	if err != nil {
		return err
	}

	target := make([]models.Comment, 0, len(notes))
	for _, n := range notes {
		target = append(target, models.Comment{Body: n.Value, Author: n.CreatedBy})
	}

	caseGuard := loopguard.ForSystem(models.SystemCaseManagement)
	for _, c := range reconcile.Comments(inc.Comments, target, a.guard) {
		note := caseGuard.Tag(c.Body)
		err := retry.DoLogged(ctx, a.policy, a.logger, "servicenow.AddWorkNote", func() error {
			return a.client.AddWorkNote(ctx, record.SysID, note)
		})
		if err != nil {
			return err
		}
		a.logger.Debugf("mirrored comment to ServiceNow incident %s", record.SysID)
	}
	return nil
}

// syncAttachments 按文件名补齐缺失附件
func (a *ServiceNowAdapter) syncAttachments(ctx context.Context, inc *models.Incident, record *servicenow.Record) error {
	var existing []servicenow.Attachment
	err := retry.DoLogged(ctx, a.policy, a.logger, "servicenow.Attachments", func() error {
		var aerr error
		existing, aerr = a.client.Attachments(ctx, record.SysID)
		return aerr
	})
	if err != nil {
		return err
	}

	target := make([]models.Attachment, 0, len(existing))
	for _, att := range existing {
		target = append(target, models.Attachment{ID: att.SysID, Filename: att.Filename})
	}

	for _, att := range reconcile.Attachments(inc.Attachments, target) {
		var data []byte
		err := retry.DoLogged(ctx, a.policy, a.logger, "caseapi.DownloadAttachment", func() error {
			url, derr := a.cases.AttachmentDownloadURL(ctx, inc.ID, att.ID)
			if derr != nil {
				return derr
			}
			data, derr = a.cases.DownloadAttachment(ctx, url)
			return derr
		})
		if err == nil {
			err = retry.DoLogged(ctx, a.policy, a.logger, "servicenow.AddAttachment", func() error {
				return a.client.AddAttachment(ctx, record.SysID, att.Filename, att.MimeType, data)
			})
		}
		if err != nil {
			if syncerr.Retriable(err) {
				return err
			}
			// 单个附件的永久失败降级为工作备注，不拦整次调和
			a.noteAttachmentFailure(ctx, record.SysID, att.Filename, inc.ID, err)
			continue
		}
		a.logger.Infof("mirrored attachment %s to ServiceNow incident %s", att.Filename, record.SysID)
	}
	return nil
}

func (a *ServiceNowAdapter) noteAttachmentFailure(ctx context.Context, sysID, filename, incidentID string, cause error) {
	a.logger.Errorf("permanent attachment failure for %s on ServiceNow incident %s: %v", filename, sysID, cause)
	caseGuard := loopguard.ForSystem(models.SystemCaseManagement)
	note := caseGuard.Tag(fmt.Sprintf(
		"Attachment %s could not be transferred, please retrieve it manually from case %s", filename, incidentID))
	err := retry.DoLogged(ctx, a.policy, a.logger, "servicenow.AddWorkNote", func() error {
		return a.client.AddWorkNote(ctx, sysID, note)
	})
	if err != nil {
		a.logger.Errorf("failed to note attachment failure on ServiceNow incident %s: %v", sysID, err)
	}
}

// syncWatchers 关注人补齐到 watch_list（逗号分隔邮箱）
func (a *ServiceNowAdapter) syncWatchers(ctx context.Context, inc *models.Incident, record *servicenow.Record) error {
	target := parseWatchList(record.WatchList)
	missing := reconcile.Watchers(inc.Watchers, target)
	if len(missing) == 0 {
		return nil
	}

	emails := make([]string, 0, len(target)+len(missing))
	for _, w := range target {
		emails = append(emails, w.Email)
	}
	for _, w := range missing {
		emails = append(emails, w.Email)
	}

	return retry.DoLogged(ctx, a.policy, a.logger, "servicenow.UpdateIncident", func() error {
		return a.client.UpdateIncident(ctx, record.SysID,
			&servicenow.IncidentPayload{WatchList: strings.Join(emails, ",")})
	})
}

func parseWatchList(raw string) []models.Watcher {
	var out []models.Watcher
	for _, part := range strings.Split(raw, ",") {
		if email := strings.TrimSpace(part); email != "" {
			out = append(out, models.Watcher{Email: email})
		}
	}
	return out
}

func (a *ServiceNowAdapter) annotateFailure(ctx context.Context, incidentID string, cause error) {
	note := a.guard.Tag(fmt.Sprintf("Failed to sync this case to ServiceNow: %v", cause))
	err := retry.DoLogged(ctx, a.policy, a.logger, "caseapi.AddComment", func() error {
		return a.cases.AddComment(ctx, incidentID, note)
	})
	if err != nil {
		a.logger.Errorf("failed to annotate case %s with ServiceNow sync failure: %v", incidentID, err)
	}
}
