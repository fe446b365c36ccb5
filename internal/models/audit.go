package models

import "time"

// AuditAction represents the type of audited action
type AuditAction string

const (
	AuditActionLogin  AuditAction = "login"
	AuditActionLogout AuditAction = "logout"
	AuditActionCreate AuditAction = "create"
	AuditActionUpdate AuditAction = "update"
	AuditActionDelete AuditAction = "delete"
	AuditActionAction AuditAction = "action"
)

// AuditLog records a mutating API call for traceability
type AuditLog struct {
	ID          uint        `gorm:"column:id;primaryKey" json:"id"`
	UserID      uint        `gorm:"column:user_id;index" json:"user_id"`
	Username    string      `gorm:"column:username;size:100" json:"username"`
	UserType    UserType    `gorm:"column:user_type" json:"user_type"`
	Action      AuditAction `gorm:"column:action;size:20;index" json:"action"`
	EntityType  string      `gorm:"column:entity_type;size:50;index" json:"entity_type"`
	EntityName  string      `gorm:"column:entity_name;size:255" json:"entity_name"`
	Description string      `gorm:"column:description;type:text" json:"description"`
	IPAddress   string      `gorm:"column:ip_address;size:50" json:"ip_address"`
	UserAgent   string      `gorm:"column:user_agent;size:500" json:"user_agent"`
	CreatedAt   time.Time   `gorm:"column:created_at;index" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
