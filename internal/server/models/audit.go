package models

import "time"

// AuditAction names the kind of event recorded in the audit log.
type AuditAction string

const (
	ActionLogin         AuditAction = "login"
	ActionRegister      AuditAction = "register"
	ActionPasswordReset AuditAction = "password_reset"
	ActionKeyGenerate   AuditAction = "key_generate"
	ActionKeyActivate   AuditAction = "key_activate"
	ActionKeyResetHwid  AuditAction = "key_reset_hwid"
	ActionKeyUnbind     AuditAction = "key_unbind"
	ActionKeyBan        AuditAction = "key_ban"
	ActionUserBan       AuditAction = "user_ban"
	ActionUserUnban     AuditAction = "user_unban"
	ActionUserResetHwid AuditAction = "user_reset_hwid"
	ActionSubscription  AuditAction = "subscription_update"
	ActionUserDelete    AuditAction = "user_delete"
)

// AuditRecord is an append-only log row. Subject is an optional secondary
// identifier, the license key code for key events.
type AuditRecord struct {
	ID        string
	UserName  string
	Action    AuditAction
	Source    string
	Hwid      string
	Subject   string
	Success   bool
	Reason    string
	CreatedAt time.Time
}

// AuditFilter narrows audit listings; zero fields match everything.
type AuditFilter struct {
	UserName string
	Action   AuditAction
	Subject  string
	Reason   string
}
