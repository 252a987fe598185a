package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/corvid-run/agentcore/internal/infrastructure/persistence/models"
	domainErrors "github.com/corvid-run/agentcore/pkg/errors"
)

// SessionSnapshot 是会话的可持久化视图: 消息日志、todo 列表、
// 已加载技能与其 token 计账
type SessionSnapshot struct {
	SessionID    string          `json:"session_id"`
	Memory       json.RawMessage `json:"memory"`
	Todos        json.RawMessage `json:"todos"`
	LoadedSkills []string        `json:"loaded_skills"`
	SkillTokens  int             `json:"skill_tokens"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// GormSessionSnapshotRepository GORM 实现的会话快照仓储
type GormSessionSnapshotRepository struct {
	db *gorm.DB
}

// NewGormSessionSnapshotRepository 创建会话快照仓储
func NewGormSessionSnapshotRepository(db *gorm.DB) *GormSessionSnapshotRepository {
	return &GormSessionSnapshotRepository{db: db}
}

// Save upserts the snapshot row for a session.
func (r *GormSessionSnapshotRepository) Save(ctx context.Context, snap *SessionSnapshot) error {
	skills, err := json.Marshal(snap.LoadedSkills)
	if err != nil {
		return domainErrors.NewInternalError("failed to encode loaded skills: " + err.Error())
	}
	model := models.SessionSnapshotModel{
		SessionID:    snap.SessionID,
		Memory:       string(snap.Memory),
		Todos:        string(snap.Todos),
		LoadedSkills: string(skills),
		SkillTokens:  snap.SkillTokens,
		UpdatedAt:    time.Now(),
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		UpdateAll: true,
	}).Create(&model).Error; err != nil {
		return domainErrors.NewInternalError("failed to save session snapshot: " + err.Error())
	}
	return nil
}

// Load returns the snapshot for a session, or nil when none was saved.
func (r *GormSessionSnapshotRepository) Load(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	var model models.SessionSnapshotModel
	if err := r.db.WithContext(ctx).First(&model, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, domainErrors.NewInternalError("failed to load session snapshot: " + err.Error())
	}

	snap := &SessionSnapshot{
		SessionID:   model.SessionID,
		Memory:      json.RawMessage(model.Memory),
		Todos:       json.RawMessage(model.Todos),
		SkillTokens: model.SkillTokens,
		UpdatedAt:   model.UpdatedAt,
	}
	if model.LoadedSkills != "" {
		if err := json.Unmarshal([]byte(model.LoadedSkills), &snap.LoadedSkills); err != nil {
			return nil, domainErrors.NewInternalError("corrupt loaded skills in snapshot: " + err.Error())
		}
	}
	return snap, nil
}

// Delete removes a session's snapshot, e.g. on session reset.
func (r *GormSessionSnapshotRepository) Delete(ctx context.Context, sessionID string) error {
	if err := r.db.WithContext(ctx).Delete(&models.SessionSnapshotModel{}, "session_id = ?", sessionID).Error; err != nil {
		return domainErrors.NewInternalError("failed to delete session snapshot: " + err.Error())
	}
	return nil
}
