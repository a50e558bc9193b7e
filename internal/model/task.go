package model

import (
	"time"
)

// Task 控制台任务
// Commands 以换行拼接保存，Result 为任务结果 JSON（逐命令转录）
type Task struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Lab        string    `json:"lab" gorm:"type:varchar(64);not null;index"`
	Node       string    `json:"node" gorm:"type:varchar(128);not null;index"`
	Line       int       `json:"line" gorm:"not null;default:0"`
	Type       string    `json:"type" gorm:"type:varchar(32);not null"`
	Commands   string    `json:"commands" gorm:"type:text;not null"`
	Status     string    `json:"status" gorm:"type:varchar(16);not null;default:'pending'"`
	Result     string    `json:"result" gorm:"type:text"`
	ErrorKind  string    `json:"error_kind" gorm:"type:varchar(32)"`
	ErrorMsg   string    `json:"error_msg" gorm:"type:text"`
	FinalMode  string    `json:"final_mode" gorm:"type:varchar(32)"`
	ArchiveRef string    `json:"archive_ref" gorm:"type:varchar(256)"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Duration   int64     `json:"duration"` // 执行时长，毫秒
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (Task) TableName() string {
	return "tasks"
}

// TaskStatus 任务状态枚举
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusSuccess   = "success"
	TaskStatusFailed    = "failed"
	TaskStatusTimeout   = "timeout"
	TaskStatusCancelled = "cancelled"
)

// TaskType 任务类型枚举
const (
	TaskTypeExec   = "exec"
	TaskTypeConfig = "config"
	// TaskTypeFacts 不带命令，按设备系列的默认查询采集基础信息
	TaskTypeFacts = "facts"
)

// TaskLog 任务日志
type TaskLog struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	TaskID    string    `json:"task_id" gorm:"type:varchar(64);not null;index"`
	Level     string    `json:"level" gorm:"type:varchar(16);not null"`
	Message   string    `json:"message" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (TaskLog) TableName() string {
	return "task_logs"
}

// NodeInfo 节点信息缓存（从 CML 拓扑同步）
type NodeInfo struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Lab        string    `json:"lab" gorm:"type:varchar(64);not null;index:idx_node_lab_label"`
	Label      string    `json:"label" gorm:"type:varchar(128);not null;index:idx_node_lab_label"`
	NodeID     string    `json:"node_id" gorm:"type:varchar(64);not null"`
	Definition string    `json:"definition" gorm:"type:varchar(64)"`
	State      string    `json:"state" gorm:"type:varchar(32)"`
	LastSeen   time.Time `json:"last_seen"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (NodeInfo) TableName() string {
	return "node_info"
}
