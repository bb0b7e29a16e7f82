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
	"casebridge/pkg/slack"

	"github.com/sirupsen/logrus"
)

// SlackAdapter Slack 出站适配器。Slack 没有工作流状态，
// 映射产物是战情室频道：主题承载状态，消息承载评论与状态通知。
type SlackAdapter struct {
	client    slack.Interface
	cases     caseapi.Interface
	store     *store.SnapshotStore
	cfg       config.SlackConfig
	guard     *loopguard.Guard
	caseGuard *loopguard.Guard
	policy    retry.Policy
	logger    *logrus.Logger
}

// NewSlackAdapter 创建 Slack 适配器
func NewSlackAdapter(client slack.Interface, cases caseapi.Interface, snapshots *store.SnapshotStore,
	cfg config.SlackConfig, policy retry.Policy, logger *logrus.Logger) *SlackAdapter {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "incident"
	}
	return &SlackAdapter{
		client:    client,
		cases:     cases,
		store:     snapshots,
		cfg:       cfg,
		guard:     loopguard.ForSystem(models.SystemSlack),
		caseGuard: loopguard.ForSystem(models.SystemCaseManagement),
		policy:    policy,
		logger:    logger,
	}
}

// Consumer 总线消费者名
func (a *SlackAdapter) Consumer() string {
	return "slack-adapter"
}

// Handle 处理一条同步事件
func (a *SlackAdapter) Handle(ctx context.Context, ev *models.SyncEvent) error {
	if ev.SourceSystem != models.SystemCaseManagement || ev.Incident == nil {
		return nil
	}
	inc := ev.Incident

	err := a.reconcileIncident(ctx, inc)
	if err == nil {
		return a.store.TouchMapping(inc.ID, models.SystemSlack)
	}
	if syncerr.Retriable(err) {
		return err
	}

	a.logger.Errorf("permanent Slack sync failure for case %s: %v", inc.ID, err)
	a.annotateFailure(ctx, inc.ID, err)
	return nil
}

func (a *SlackAdapter) reconcileIncident(ctx context.Context, inc *models.Incident) error {
	channelID, err := a.ensureChannel(ctx, inc)
	if err != nil {
		return err
	}

	var history []slack.Message
	err = retry.DoLogged(ctx, a.policy, a.logger, "slack.History", func() error {
		var herr error
		history, herr = a.client.History(ctx, channelID)
		return herr
	})
	if err != nil {
		return err
	}

	if err := a.syncStatus(ctx, inc, channelID, history); err != nil {
		return err
	}
	if err := a.syncComments(ctx, inc, channelID, history); err != nil {
		return err
	}
	if err := a.syncAttachments(ctx, inc, channelID, history); err != nil {
		return err
	}
	return a.syncWatchers(ctx, inc, channelID)
}

// ensureChannel 确保战情室频道存在。频道名由案例 ID 派生，
// 建频道接口本身幂等（重名复用），映射写入先写者胜。
func (a *SlackAdapter) ensureChannel(ctx context.Context, inc *models.Incident) (string, error) {
	existing, err := a.store.Mapping(inc.ID, models.SystemSlack)
	if err == nil {
		return existing.ExternalID, nil
	}
	if !syncerr.IsNotFound(err) {
		return "", err
	}

	name := mapper.SlackChannelName(a.cfg.ChannelPrefix, inc.ID)
	var channel *slack.Channel
	err = retry.DoLogged(ctx, a.policy, a.logger, "slack.CreateChannel", func() error {
		var cerr error
		channel, cerr = a.client.CreateChannel(ctx, name)
		return cerr
	})
	if err != nil {
		return "", err
	}

	winner, err := a.store.SetMapping(inc.ID, models.SystemSlack, channel.ID)
	if err != nil {
		return "", err
	}
	if winner.ExternalID != channel.ID {
		return winner.ExternalID, nil
	}
	a.logger.Infof("created Slack channel #%s (%s) for case %s", name, channel.ID, inc.ID)
	return channel.ID, nil
}

// syncStatus 主题对齐 + 状态通知。同一状态的通知只发一次，
// 用频道历史做幂等判定。
func (a *SlackAdapter) syncStatus(ctx context.Context, inc *models.Incident, channelID string, history []slack.Message) error {
	topic := mapper.SlackChannelTopic(inc)
	err := retry.DoLogged(ctx, a.policy, a.logger, "slack.SetTopic", func() error {
		return a.client.SetTopic(ctx, channelID, topic)
	})
	if err != nil {
		return err
	}

	message := mapper.SlackStatusMessage(inc)
	for _, m := range history {
		if m.Text == message {
			return nil
		}
	}
	return retry.DoLogged(ctx, a.policy, a.logger, "slack.PostMessage", func() error {
		return a.client.PostMessage(ctx, channelID, message)
	})
}

// syncComments 案例评论镜像到频道消息
func (a *SlackAdapter) syncComments(ctx context.Context, inc *models.Incident, channelID string, history []slack.Message) error {
	target := make([]models.Comment, 0, len(history))
	for _, m := range history {
		target = append(target, models.Comment{Body: m.Text, Author: m.Username})
	}

	for _, c := range reconcile.Comments(inc.Comments, target, a.guard) {
		text := a.caseGuard.Tag(c.Body)
		err := retry.DoLogged(ctx, a.policy, a.logger, "slack.PostMessage", func() error {
			return a.client.PostMessage(ctx, channelID, text)
		})
		if err != nil {
			return err
		}
		a.logger.Debugf("mirrored comment to Slack channel %s", channelID)
	}
	return nil
}

// syncAttachments 附件镜像到频道文件。Slack 上传会生成带文件名的消息，
// 以频道历史中是否出现过该文件名做粗粒度去重。
func (a *SlackAdapter) syncAttachments(ctx context.Context, inc *models.Incident, channelID string, history []slack.Message) error {
	seen := func(filename string) bool {
		for _, m := range history {
			if strings.Contains(m.Text, filename) {
				return true
			}
		}
		return false
	}

	for _, att := range inc.Attachments {
		if att.Filename == "" || seen(att.Filename) {
			continue
		}
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
			err = retry.DoLogged(ctx, a.policy, a.logger, "slack.UploadFile", func() error {
				return a.client.UploadFile(ctx, channelID, att.Filename, data)
			})
		}
		if err != nil {
			if syncerr.Retriable(err) {
				return err
			}
			// 单个附件的永久失败降级为频道提示，不拦整次调和
			a.noteAttachmentFailure(ctx, channelID, att.Filename, inc.ID, err)
			continue
		}
		err = retry.DoLogged(ctx, a.policy, a.logger, "slack.PostMessage", func() error {
			return a.client.PostMessage(ctx, channelID,
				a.caseGuard.Tag(fmt.Sprintf("Attachment uploaded: %s", att.Filename)))
		})
		if err != nil {
			return err
		}
		a.logger.Infof("mirrored attachment %s to Slack channel %s", att.Filename, channelID)
	}
	return nil
}

func (a *SlackAdapter) noteAttachmentFailure(ctx context.Context, channelID, filename, incidentID string, cause error) {
	a.logger.Errorf("permanent attachment failure for %s in Slack channel %s: %v", filename, channelID, cause)
	note := a.caseGuard.Tag(fmt.Sprintf(
		"Attachment %s could not be transferred, please retrieve it manually from case %s", filename, incidentID))
	err := retry.DoLogged(ctx, a.policy, a.logger, "slack.PostMessage", func() error {
		return a.client.PostMessage(ctx, channelID, note)
	})
	if err != nil {
		a.logger.Errorf("failed to note attachment failure in Slack channel %s: %v", channelID, err)
	}
}

// syncWatchers 关注人邀请进频道。查不到的邮箱跳过，不拦整次调和。
func (a *SlackAdapter) syncWatchers(ctx context.Context, inc *models.Incident, channelID string) error {
	if len(inc.Watchers) == 0 {
		return nil
	}

	var members []string
	err := retry.DoLogged(ctx, a.policy, a.logger, "slack.Members", func() error {
		var merr error
		members, merr = a.client.Members(ctx, channelID)
		return merr
	})
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(members))
	for _, id := range members {
		present[id] = true
	}

	var invite []string
	for _, w := range inc.Watchers {
		user, err := a.client.LookupUserByEmail(ctx, w.Email)
		if err != nil {
			if syncerr.IsNotFound(err) {
				a.logger.Debugf("no Slack user for watcher %s", w.Email)
				continue
			}
			return err
		}
		if !present[user.ID] {
			invite = append(invite, user.ID)
		}
	}
	if len(invite) == 0 {
		return nil
	}

	return retry.DoLogged(ctx, a.policy, a.logger, "slack.InviteUsers", func() error {
		return a.client.InviteUsers(ctx, channelID, invite)
	})
}

func (a *SlackAdapter) annotateFailure(ctx context.Context, incidentID string, cause error) {
	note := a.guard.Tag(fmt.Sprintf("Failed to sync this case to Slack: %v", cause))
	err := retry.DoLogged(ctx, a.policy, a.logger, "caseapi.AddComment", func() error {
		return a.cases.AddComment(ctx, incidentID, note)
	})
	if err != nil {
		a.logger.Errorf("failed to annotate case %s with Slack sync failure: %v", incidentID, err)
	}
}
