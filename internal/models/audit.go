package models

import "time"

// Audit actions recorded by the session lifecycle.
const (
	AuditActionLogin       = "session.create"
	AuditActionRefresh     = "session.refresh"
	AuditActionSignout     = "session.delete"
	AuditActionReuseAlert  = "token.reuse_detected"
	AuditActionRevokeAll   = "token.revoke_all"
	AuditActionOAuthRotate = "oauth.token_rotate"
)

// AuditLog captures one lifecycle event. Writes are best-effort and happen
// off the request path.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	Subject    *string   `db:"subject" json:"subject,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	Detail     []byte    `db:"detail" json:"detail,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent  string    `db:"user_agent" json:"user_agent,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
