package store

import (
	"errors"
	"time"

	"casebridge/internal/models"
	"casebridge/internal/syncerr"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DeadLetterStore 死信事件落库与重放记录
type DeadLetterStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewDeadLetterStore 创建死信存储
func NewDeadLetterStore(db *gorm.DB, logger *logrus.Logger) *DeadLetterStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &DeadLetterStore{db: db, logger: logger}
}

// Save 记录一条死信。这是运维告警面，不允许静默丢弃
func (s *DeadLetterStore) Save(dl *models.DeadLetterEvent) error {
	if err := s.db.Create(dl).Error; err != nil {
		return syncerr.E(syncerr.KindTransient, "store.DeadLetter.Save", err)
	}
	s.logger.Errorf("event %s dead-lettered for consumer %s after %d attempts: %s",
		dl.EventID, dl.Consumer, dl.Attempts, dl.LastError)
	return nil
}

// List 按时间倒序列出死信
func (s *DeadLetterStore) List(limit, offset int) ([]models.DeadLetterEvent, int64, error) {
	var rows []models.DeadLetterEvent
	var total int64
	if err := s.db.Model(&models.DeadLetterEvent{}).Count(&total).Error; err != nil {
		return nil, 0, syncerr.E(syncerr.KindTransient, "store.DeadLetter.List", err)
	}
	err := s.db.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error
	if err != nil {
		return nil, 0, syncerr.E(syncerr.KindTransient, "store.DeadLetter.List", err)
	}
	return rows, total, nil
}

// Get 取单条死信
func (s *DeadLetterStore) Get(id uint) (*models.DeadLetterEvent, error) {
	var row models.DeadLetterEvent
	err := s.db.First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerr.Ef(syncerr.KindNotFound, "store.DeadLetter.Get", "dead letter %d not found", id)
	}
	if err != nil {
		return nil, syncerr.E(syncerr.KindTransient, "store.DeadLetter.Get", err)
	}
	return &row, nil
}

// MarkReplayed 标记死信已重放
func (s *DeadLetterStore) MarkReplayed(id uint) error {
	now := time.Now()
	err := s.db.Model(&models.DeadLetterEvent{}).Where("id = ?", id).
		Update("replayed_at", &now).Error
	if err != nil {
		return syncerr.E(syncerr.KindTransient, "store.DeadLetter.MarkReplayed", err)
	}
	return nil
}
