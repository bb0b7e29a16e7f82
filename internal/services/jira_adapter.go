package services

import (
	"context"
	"fmt"

	"casebridge/internal/config"
	"casebridge/internal/loopguard"
	"casebridge/internal/mapper"
	"casebridge/internal/models"
	"casebridge/internal/reconcile"
	"casebridge/internal/store"
	"casebridge/internal/syncerr"
	"casebridge/pkg/caseapi"
	"casebridge/pkg/jira"
	"casebridge/pkg/retry"

	"github.com/sirupsen/logrus"
)

// JiraAdapter Jira 出站适配器。消费源系统事件，把案例当前状态
// 调和到对应的 Jira 工单上。事件只是“去重新拉取并调和”的信号，
// 重复投递与乱序重放都安全。
type JiraAdapter struct {
	client jira.Interface
	cases  caseapi.Interface
	store  *store.SnapshotStore
	cfg    config.JiraConfig
	mapper *mapper.Mapper
	guard  *loopguard.Guard
	policy retry.Policy
	logger *logrus.Logger
}

// NewJiraAdapter 创建 Jira 适配器
func NewJiraAdapter(client jira.Interface, cases caseapi.Interface, snapshots *store.SnapshotStore,
	cfg config.JiraConfig, tables config.MappingTables, policy retry.Policy, logger *logrus.Logger) *JiraAdapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &JiraAdapter{
		client: client,
		cases:  cases,
		store:  snapshots,
		cfg:    cfg,
		mapper: mapper.New(models.SystemJira, tables),
		guard:  loopguard.ForSystem(models.SystemJira),
		policy: policy,
		logger: logger,
	}
}

// Consumer 总线消费者名
func (a *JiraAdapter) Consumer() string {
	return "jira-adapter"
}

// Handle 处理一条同步事件。瞬态错误原样返回交给总线重投；
// 永久错误把失败写回案例评论后确认，不再占用投递预算。
func (a *JiraAdapter) Handle(ctx context.Context, ev *models.SyncEvent) error {
	if ev.SourceSystem != models.SystemCaseManagement || ev.Incident == nil {
		return nil
	}
	inc := ev.Incident

	err := a.reconcileIncident(ctx, inc)
	if err == nil {
		return a.store.TouchMapping(inc.ID, models.SystemJira)
	}
	if syncerr.Retriable(err) {
		return err
	}

	a.logger.Errorf("permanent Jira sync failure for case %s: %v", inc.ID, err)
	a.annotateFailure(ctx, inc.ID, err)
	return nil
}

// reconcileIncident 保证工单存在，然后把字段/状态/评论/附件/关注人
// 各自调和到位。每个面独立失败，成功的面不回滚。
func (a *JiraAdapter) reconcileIncident(ctx context.Context, inc *models.Incident) error {
	key, created, err := a.ensureIssue(ctx, inc)
	if err != nil {
		return err
	}

	var issue *jira.Issue
	err = retry.DoLogged(ctx, a.policy, a.logger, "jira.GetIssue", func() error {
		var gerr error
		issue, gerr = a.client.GetIssue(ctx, key)
		return gerr
	})
	if err != nil {
		// 映射已存在但工单取不回来：不可新建第二张工单，原样上抛
		return fmt.Errorf("mapped issue %s unavailable: %w", key, err)
	}

	if !created {
		if err := a.syncFields(ctx, inc, issue); err != nil {
			return err
		}
	}
	if err := a.syncStatus(ctx, inc, issue); err != nil {
		return err
	}
	if err := a.syncComments(ctx, inc, issue); err != nil {
		return err
	}
	if err := a.syncAttachments(ctx, inc, issue); err != nil {
		return err
	}
	return a.syncWatchers(ctx, inc, issue)
}

// ensureIssue 确保案例有对应工单，返回工单 key。
// 映射写入是先写者胜：竞争失败时弃用自己刚建的工单，跟随已有映射。
func (a *JiraAdapter) ensureIssue(ctx context.Context, inc *models.Incident) (string, bool, error) {
	existing, err := a.store.Mapping(inc.ID, models.SystemJira)
	if err == nil {
		return existing.ExternalID, false, nil
	}
	if !syncerr.IsNotFound(err) {
		return "", false, err
	}

	req := &jira.CreateIssueRequest{
		ProjectKey:  a.cfg.ProjectKey,
		IssueType:   a.cfg.IssueType,
		Summary:     inc.Title,
		Description: inc.Description,
	}
	var issue *jira.Issue
	err = retry.DoLogged(ctx, a.policy, a.logger, "jira.CreateIssue", func() error {
		var cerr error
		issue, cerr = a.client.CreateIssue(ctx, req)
		return cerr
	})
	if err != nil {
		return "", false, err
	}

	winner, err := a.store.SetMapping(inc.ID, models.SystemJira, issue.Key)
	if err != nil {
		return "", false, err
	}
	if winner.ExternalID != issue.Key {
		a.logger.Warnf("duplicate Jira issue %s for case %s, following existing %s",
			issue.Key, inc.ID, winner.ExternalID)
		return winner.ExternalID, false, nil
	}
	a.logger.Infof("created Jira issue %s for case %s", issue.Key, inc.ID)

	// 映射表没覆盖的字段折叠成一条补充信息评论
	if digest := a.mapper.UnmappedDigest(inc); digest != "" {
		err = retry.DoLogged(ctx, a.policy, a.logger, "jira.AddComment", func() error {
			return a.client.AddComment(ctx, issue.Key, digest)
		})
		if err != nil {
			return "", false, err
		}
	}
	return issue.Key, true, nil
}

// syncFields 标题/描述对齐
func (a *JiraAdapter) syncFields(ctx context.Context, inc *models.Incident, issue *jira.Issue) error {
	fields := make(map[string]string)
	if inc.Title != "" && inc.Title != issue.Summary {
		fields["summary"] = inc.Title
	}
	if inc.Description != "" && inc.Description != issue.Description {
		fields["description"] = inc.Description
	}
	if len(fields) == 0 {
		return nil
	}
	return retry.DoLogged(ctx, a.policy, a.logger, "jira.UpdateIssue", func() error {
		return a.client.UpdateIssue(ctx, issue.Key, fields)
	})
}

// syncStatus 状态流转。多个案例状态坍缩到同一 Jira 状态时，
// 附注评论补上被折叠的细节。
func (a *JiraAdapter) syncStatus(ctx context.Context, inc *models.Incident, issue *jira.Issue) error {
	target, annotation := a.mapper.Outbound(inc.Status)
	if target == "" || target == issue.Status {
		return nil
	}

	err := retry.DoLogged(ctx, a.policy, a.logger, "jira.TransitionIssue", func() error {
		return a.client.TransitionIssue(ctx, issue.Key, target)
	})
	if err != nil {
		return err
	}
	a.logger.Infof("transitioned Jira issue %s to %s (case %s is %s)",
		issue.Key, target, inc.ID, inc.Status)

	if annotation != "" {
		err = retry.DoLogged(ctx, a.policy, a.logger, "jira.AddComment", func() error {
			return a.client.AddComment(ctx, issue.Key, annotation)
		})
		if err != nil {
			return err
		}
	}

	if inc.Terminal() {
		if code := a.mapper.Closure(inc.ClosureCode); code != "" {
			err = retry.DoLogged(ctx, a.policy, a.logger, "jira.AddComment", func() error {
				return a.client.AddComment(ctx, issue.Key,
					a.guard.Tag(fmt.Sprintf("Case closed with code: %s", code)))
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// syncComments 把案例侧缺失于工单的评论镜像过去，
// 镜像副本带来源标记防回环。
func (a *JiraAdapter) syncComments(ctx context.Context, inc *models.Incident, issue *jira.Issue) error {
	target := make([]models.Comment, 0, len(issue.Comments))
	for _, c := range issue.Comments {
		target = append(target, models.Comment{Body: c.Body, Author: c.Author})
	}

	caseGuard := loopguard.ForSystem(models.SystemCaseManagement)
	for _, c := range reconcile.Comments(inc.Comments, target, a.guard) {
		body := caseGuard.Tag(c.Body)
		err := retry.DoLogged(ctx, a.policy, a.logger, "jira.AddComment", func() error {
			return a.client.AddComment(ctx, issue.Key, body)
		})
		if err != nil {
			return err
		}
		a.logger.Debugf("mirrored comment to Jira issue %s", issue.Key)
	}
	return nil
}

// syncAttachments 按文件名补齐缺失附件，内容走源系统预签名下载
func (a *JiraAdapter) syncAttachments(ctx context.Context, inc *models.Incident, issue *jira.Issue) error {
	target := make([]models.Attachment, 0, len(issue.Attachments))
	for _, att := range issue.Attachments {
		target = append(target, models.Attachment{ID: att.ID, Filename: att.Filename})
	}

	for _, att := range reconcile.Attachments(inc.Attachments, target) {
		data, err := a.downloadCaseAttachment(ctx, inc.ID, att)
		if err == nil {
			err = retry.DoLogged(ctx, a.policy, a.logger, "jira.AddAttachment", func() error {
				return a.client.AddAttachment(ctx, issue.Key, att.Filename, data)
			})
		}
		if err != nil {
			if syncerr.Retriable(err) {
				return err
			}
			// 单个附件的永久失败降级为提示评论，不拦整次调和
			a.noteAttachmentFailure(ctx, issue.Key, att.Filename, inc.ID, err)
			continue
		}
		a.logger.Infof("mirrored attachment %s to Jira issue %s", att.Filename, issue.Key)
	}
	return nil
}

func (a *JiraAdapter) noteAttachmentFailure(ctx context.Context, key, filename, incidentID string, cause error) {
	a.logger.Errorf("permanent attachment failure for %s on Jira issue %s: %v", filename, key, cause)
	caseGuard := loopguard.ForSystem(models.SystemCaseManagement)
	note := caseGuard.Tag(fmt.Sprintf(
		"Attachment %s could not be transferred, please retrieve it manually from case %s", filename, incidentID))
	err := retry.DoLogged(ctx, a.policy, a.logger, "jira.AddComment", func() error {
		return a.client.AddComment(ctx, key, note)
	})
	if err != nil {
		a.logger.Errorf("failed to note attachment failure on Jira issue %s: %v", key, err)
	}
}

// syncWatchers 关注人单向补齐到工单
func (a *JiraAdapter) syncWatchers(ctx context.Context, inc *models.Incident, issue *jira.Issue) error {
	target := make([]models.Watcher, 0, len(issue.Watchers))
	for _, email := range issue.Watchers {
		target = append(target, models.Watcher{Email: email})
	}

	for _, w := range reconcile.Watchers(inc.Watchers, target) {
		email := w.Email
		err := retry.DoLogged(ctx, a.policy, a.logger, "jira.AddWatcher", func() error {
			return a.client.AddWatcher(ctx, issue.Key, email)
		})
		if err != nil {
			// 单个关注人失败不拦整次调和，下个周期补偿
			a.logger.Warnf("failed to add watcher %s to Jira issue %s: %v", email, issue.Key, err)
		}
	}
	return nil
}

func (a *JiraAdapter) downloadCaseAttachment(ctx context.Context, incidentID string, att models.Attachment) ([]byte, error) {
	var data []byte
	err := retry.DoLogged(ctx, a.policy, a.logger, "caseapi.DownloadAttachment", func() error {
		url, derr := a.cases.AttachmentDownloadURL(ctx, incidentID, att.ID)
		if derr != nil {
			return derr
		}
		data, derr = a.cases.DownloadAttachment(ctx, url)
		return derr
	})
	return data, err
}

// annotateFailure 永久失败写回案例评论，带来源标记不再向外传播
func (a *JiraAdapter) annotateFailure(ctx context.Context, incidentID string, cause error) {
	note := a.guard.Tag(fmt.Sprintf("Failed to sync this case to Jira: %v", cause))
	err := retry.DoLogged(ctx, a.policy, a.logger, "caseapi.AddComment", func() error {
		return a.cases.AddComment(ctx, incidentID, note)
	})
	if err != nil {
		a.logger.Errorf("failed to annotate case %s with Jira sync failure: %v", incidentID, err)
	}
}
