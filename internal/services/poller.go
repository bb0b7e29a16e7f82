package services

import (
	"context"
	"reflect"
	"sync"
	"time"

	"casebridge/internal/bus"
	"casebridge/internal/config"
	"casebridge/internal/models"
	"casebridge/internal/store"
	"casebridge/internal/syncerr"
	"casebridge/pkg/caseapi"
	"casebridge/pkg/retry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// 轮询模式
const (
	ModeFast   = "fast"
	ModeNormal = "normal"
)

// PollerService 变更探测器。定期遍历源系统全部案例，与上次快照比对，
// 把差异转成事件发布到总线。本服务只产出事件，不直接触碰外部系统。
type PollerService struct {
	client caseClient
	store  *store.SnapshotStore
	bus    bus.Bus
	cfg    config.PollerConfig
	policy retry.Policy
	logger *logrus.Logger

	mu   sync.Mutex
	mode string
}

type caseClient interface {
	ListCases(ctx context.Context, pageToken string) (*caseapi.ListCasesResponse, error)
	GetCase(ctx context.Context, caseID string) (*caseapi.CaseDetail, error)
}

// NewPollerService 创建轮询服务
func NewPollerService(client caseClient, snapshots *store.SnapshotStore, eventBus bus.Bus,
	cfg config.PollerConfig, policy retry.Policy, logger *logrus.Logger) *PollerService {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = time.Minute
	}
	if cfg.NormalInterval <= 0 {
		cfg.NormalInterval = 5 * time.Minute
	}
	return &PollerService{
		client: client,
		store:  snapshots,
		bus:    eventBus,
		cfg:    cfg,
		policy: policy,
		logger: logger,
		mode:   ModeNormal,
	}
}

// Mode 当前轮询模式
func (s *PollerService) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *PollerService) setMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != mode {
		s.logger.Infof("poller switching to %s mode", mode)
		s.mode = mode
	}
}

func (s *PollerService) interval() time.Duration {
	if s.Mode() == ModeFast {
		return s.cfg.FastInterval
	}
	return s.cfg.NormalInterval
}

// Run 轮询主循环。有未关闭案例时走短间隔，全部终态后退回长间隔。
// 阻塞直至 ctx 取消。
func (s *PollerService) Run(ctx context.Context) {
	s.logger.Infof("poller started: fast=%s normal=%s", s.cfg.FastInterval, s.cfg.NormalInterval)

	if err := s.PollOnce(ctx); err != nil {
		s.logger.Errorf("poll sweep failed: %v", err)
	}
	for {
		timer := time.NewTimer(s.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("poller stopped")
			return
		case <-timer.C:
			if err := s.PollOnce(ctx); err != nil {
				s.logger.Errorf("poll sweep failed: %v", err)
			}
		}
	}
}

// PollOnce 执行一次完整遍历。每个案例独立处理，单个失败不中断本轮，
// 漏掉的差异下一轮重新 diff 时自然补上。
func (s *PollerService) PollOnce(ctx context.Context) error {
	active := 0
	pageToken := ""
	for {
		var page *caseapi.ListCasesResponse
		err := retry.DoLogged(ctx, s.policy, s.logger, "caseapi.ListCases", func() error {
			var lerr error
			page, lerr = s.client.ListCases(ctx, pageToken)
			return lerr
		})
		if err != nil {
			return err
		}

		for i := range page.Items {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			nonTerminal, err := s.processCase(ctx, page.Items[i].CaseID)
			if err != nil {
				s.logger.Errorf("failed to process case %s: %v", page.Items[i].CaseID, err)
				continue
			}
			if nonTerminal {
				active++
			}
		}

		if page.NextToken == "" {
			break
		}
		pageToken = page.NextToken
	}

	if active > 0 {
		s.setMode(ModeFast)
	} else {
		s.setMode(ModeNormal)
	}
	return nil
}

// processCase 拉详情、与快照比对、发差异事件并推进快照。
// 返回该案例是否仍处于非终态。
func (s *PollerService) processCase(ctx context.Context, caseID string) (bool, error) {
	var detail *caseapi.CaseDetail
	err := retry.DoLogged(ctx, s.policy, s.logger, "caseapi.GetCase", func() error {
		var gerr error
		detail, gerr = s.client.GetCase(ctx, caseID)
		return gerr
	})
	if err != nil {
		return false, err
	}
	current := toIncident(detail)

	previous, _, err := s.store.Get(caseID)
	if err != nil && !syncerr.IsNotFound(err) {
		return !current.Terminal(), err
	}

	events := diffIncident(previous, current)
	for _, evType := range events {
		ev := &models.SyncEvent{
			ID:           uuid.New().String(),
			IncidentID:   current.ID,
			Type:         evType,
			SourceSystem: models.SystemCaseManagement,
			OccurredAt:   time.Now(),
			Incident:     current,
		}
		err := retry.DoLogged(ctx, s.policy, s.logger, "bus.Publish", func() error {
			return s.bus.Publish(ctx, ev)
		})
		if err != nil {
			// 快照仍然推进：diff 的基准必须是当前事实，
			// 丢失的传播靠死信与下轮外部调和补偿
			s.logger.Errorf("failed to publish %s event for case %s: %v", evType, current.ID, err)
		} else {
			s.logger.Infof("published %s event for case %s", evType, current.ID)
		}
	}

	if len(events) > 0 {
		if err := s.store.Put(current); err != nil {
			return !current.Terminal(), err
		}
	}
	return !current.Terminal(), nil
}

// diffIncident 比对新旧快照，给出应发布的事件类型。
// 首次见到发 Created；否则按变化面拆分事件，消费侧都按
// “重新拉取并调和”处理，多发或重发无害。
func diffIncident(previous, current *models.Incident) []string {
	if previous == nil {
		return []string{models.EventCreated}
	}

	var events []string
	if coreChanged(previous, current) {
		events = append(events, models.EventUpdated)
	}
	if !reflect.DeepEqual(previous.Comments, current.Comments) {
		events = append(events, models.EventCommentAdded)
	}
	if !reflect.DeepEqual(previous.Attachments, current.Attachments) {
		events = append(events, models.EventAttachmentAdded)
	}
	if !reflect.DeepEqual(previous.Watchers, current.Watchers) {
		events = append(events, models.EventWatchersUpdated)
	}
	return events
}

// coreChanged 标量字段比对，时间戳不参与：仅 lastUpdatedDate 变化
// 不构成需要传播的差异。
func coreChanged(a, b *models.Incident) bool {
	return a.Title != b.Title ||
		a.Description != b.Description ||
		a.Status != b.Status ||
		a.Severity != b.Severity ||
		a.ClosureCode != b.ClosureCode ||
		!reflect.DeepEqual(a.ImpactedResources, b.ImpactedResources)
}

// toIncident 源系统 DTO → 规范化案例
func toIncident(d *caseapi.CaseDetail) *models.Incident {
	inc := &models.Incident{
		ID:                d.CaseID,
		Title:             d.Title,
		Description:       d.Description,
		Status:            d.Status,
		Severity:          d.Severity,
		ClosureCode:       d.ClosureCode,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		ImpactedResources: d.ImpactedResources,
	}
	for _, w := range d.Watchers {
		inc.Watchers = append(inc.Watchers, models.Watcher{Email: w.Email, DisplayName: w.DisplayName})
	}
	for _, c := range d.Comments {
		inc.Comments = append(inc.Comments, models.Comment{
			Body:      c.Body,
			Author:    c.Author,
			CreatedAt: c.CreatedAt,
		})
	}
	for _, a := range d.Attachments {
		inc.Attachments = append(inc.Attachments, models.Attachment{
			ID:        a.AttachmentID,
			Filename:  a.Filename,
			SizeBytes: a.SizeBytes,
			MimeType:  a.MimeType,
		})
	}
	return inc
}
