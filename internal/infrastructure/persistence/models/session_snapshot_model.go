package models

import (
	"time"
)

// SessionSnapshotModel 会话快照模型 — 对应外部存储的
// users/<id>/agent-memory.json 布局, 以 JSON blob 形式落库
type SessionSnapshotModel struct {
	SessionID    string `gorm:"primaryKey;size:64"`
	Memory       string `gorm:"type:text"` // JSON encoded message log
	Todos        string `gorm:"type:text"` // JSON encoded todo list
	LoadedSkills string `gorm:"type:text"` // JSON encoded skill name list
	SkillTokens  int
	UpdatedAt    time.Time
}

// TableName 指定表名
func (SessionSnapshotModel) TableName() string {
	return "session_snapshots"
}
