package store

import (
	"encoding/json"
	"errors"
	"time"

	"casebridge/internal/models"
	"casebridge/internal/syncerr"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotStore 案例快照与外部映射的持久层。
// 单案例读己之写一致；不需要跨案例事务。记录缺失不是错误，表示首次见到。
type SnapshotStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewSnapshotStore 创建快照存储
func NewSnapshotStore(db *gorm.DB, logger *logrus.Logger) *SnapshotStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &SnapshotStore{db: db, logger: logger}
}

// Get 取案例快照及其全部外部映射
func (s *SnapshotStore) Get(incidentID string) (*models.Incident, []models.ExternalMapping, error) {
	var row models.IncidentSnapshot
	err := s.db.First(&row, "incident_id = ?", incidentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, syncerr.Ef(syncerr.KindNotFound, "store.Get", "no snapshot for incident %s", incidentID)
	}
	if err != nil {
		return nil, nil, syncerr.E(syncerr.KindTransient, "store.Get", err)
	}

	inc, err := row.Decode()
	if err != nil {
		return nil, nil, syncerr.E(syncerr.KindMalformed, "store.Get", err)
	}

	mappings, err := s.Mappings(incidentID)
	if err != nil {
		return nil, nil, err
	}
	return inc, mappings, nil
}

// Put 无条件落快照（upsert）。即使事件发布失败快照也要前进，
// 下个周期的 diff 必须以当前事实为基准。
func (s *SnapshotStore) Put(inc *models.Incident) error {
	raw, err := json.Marshal(inc)
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, "store.Put", err)
	}

	row := models.IncidentSnapshot{
		IncidentID: inc.ID,
		Snapshot:   string(raw),
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "incident_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"snapshot", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return syncerr.E(syncerr.KindTransient, "store.Put", err)
	}
	return nil
}

// SetMapping 写入 (案例, 系统) → 外部记录映射，先写者胜：
// 唯一索引冲突时保留已有行并原样返回，调用侧据此发现自己输掉竞争。
func (s *SnapshotStore) SetMapping(incidentID, system, externalID string) (*models.ExternalMapping, error) {
	row := models.ExternalMapping{
		IncidentID:   incidentID,
		System:       system,
		ExternalID:   externalID,
		LastSyncedAt: time.Now(),
	}
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return nil, syncerr.E(syncerr.KindTransient, "store.SetMapping", err)
	}

	// 读回生效行。(案例, 系统) 冲突时返回先写者的映射；
	// 按案例查不到说明冲突出在 (系统, 外部记录) 索引上，
	// 即另一个案例抢先占下了该外部记录，改走反查索引取先写者
	winner, err := s.Mapping(incidentID, system)
	if syncerr.IsNotFound(err) {
		var existing models.ExternalMapping
		gerr := s.db.First(&existing, "system = ? AND external_id = ?", system, externalID).Error
		if gerr != nil {
			return nil, syncerr.E(syncerr.KindTransient, "store.SetMapping", gerr)
		}
		winner, err = &existing, nil
	}
	if err != nil {
		return nil, err
	}
	if winner.IncidentID != incidentID || winner.ExternalID != externalID {
		s.logger.Warnf("mapping race lost for incident %s system %s: kept (%s, %s), discarded (%s, %s)",
			incidentID, system, winner.IncidentID, winner.ExternalID, incidentID, externalID)
	}
	return winner, nil
}

// Mapping 取单个系统的映射
func (s *SnapshotStore) Mapping(incidentID, system string) (*models.ExternalMapping, error) {
	var row models.ExternalMapping
	err := s.db.First(&row, "incident_id = ? AND system = ?", incidentID, system).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerr.Ef(syncerr.KindNotFound, "store.Mapping",
			"no %s mapping for incident %s", system, incidentID)
	}
	if err != nil {
		return nil, syncerr.E(syncerr.KindTransient, "store.Mapping", err)
	}
	return &row, nil
}

// Mappings 取案例的全部映射
func (s *SnapshotStore) Mappings(incidentID string) ([]models.ExternalMapping, error) {
	var rows []models.ExternalMapping
	if err := s.db.Where("incident_id = ?", incidentID).Find(&rows).Error; err != nil {
		return nil, syncerr.E(syncerr.KindTransient, "store.Mappings", err)
	}
	return rows, nil
}

// TouchMapping 刷新映射的最近同步时间
func (s *SnapshotStore) TouchMapping(incidentID, system string) error {
	err := s.db.Model(&models.ExternalMapping{}).
		Where("incident_id = ? AND system = ?", incidentID, system).
		Update("last_synced_at", time.Now()).Error
	if err != nil {
		return syncerr.E(syncerr.KindTransient, "store.TouchMapping", err)
	}
	return nil
}

// ResolveExternal 反查：外部记录 → 案例 ID。
// 走 (system, external_id) 唯一索引，入站 webhook O(1) 定位案例。
func (s *SnapshotStore) ResolveExternal(system, externalID string) (string, error) {
	var row models.ExternalMapping
	err := s.db.First(&row, "system = ? AND external_id = ?", system, externalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", syncerr.Ef(syncerr.KindNotFound, "store.ResolveExternal",
			"no incident mapped to %s record %s", system, externalID)
	}
	if err != nil {
		return "", syncerr.E(syncerr.KindTransient, "store.ResolveExternal", err)
	}
	return row.IncidentID, nil
}

// ListSnapshots 管理接口用：分页列出快照
func (s *SnapshotStore) ListSnapshots(limit, offset int) ([]models.IncidentSnapshot, int64, error) {
	var rows []models.IncidentSnapshot
	var total int64
	if err := s.db.Model(&models.IncidentSnapshot{}).Count(&total).Error; err != nil {
		return nil, 0, syncerr.E(syncerr.KindTransient, "store.ListSnapshots", err)
	}
	err := s.db.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&rows).Error
	if err != nil {
		return nil, 0, syncerr.E(syncerr.KindTransient, "store.ListSnapshots", err)
	}
	return rows, total, nil
}
