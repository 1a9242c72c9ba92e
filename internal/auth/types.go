package auth

import "time"

// User represents a staff account.
type User struct {
	ID             int64      `json:"id"`
	Email          string     `json:"email"`
	FullName       string     `json:"full_name"`
	HashedPassword string     `json:"-"`
	Role           string     `json:"role"`
	Status         string     `json:"status"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	GroupID        *int64     `json:"group_id,omitempty"`
}

// Group carries four independent capability flags shared by its users.
type Group struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	CanEditPatients bool   `json:"can_edit_patients"`
	CanExportData   bool   `json:"can_export_data"`
	CanManageUsers  bool   `json:"can_manage_users"`
	CanViewImages   bool   `json:"can_view_images"`
}

// Capability names a boolean permission flag attached to a Group.
type Capability string

const (
	CapabilityEditPatients Capability = "can_edit_patients"
	CapabilityExportData   Capability = "can_export_data"
	CapabilityManageUsers  Capability = "can_manage_users"
	CapabilityViewImages   Capability = "can_view_images"
)

// Allows reports whether the group grants the named capability.
func (g *Group) Allows(capability Capability) bool {
	if g == nil {
		return false
	}
	switch capability {
	case CapabilityEditPatients:
		return g.CanEditPatients
	case CapabilityExportData:
		return g.CanExportData
	case CapabilityManageUsers:
		return g.CanManageUsers
	case CapabilityViewImages:
		return g.CanViewImages
	default:
		return false
	}
}

const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	StatusActive = "active"
)

// RevokedToken is a durable record of a token identifier that must be
// treated as invalid until its original expiry passes.
type RevokedToken struct {
	JTI       string
	TokenType string
	UserID    int64
	RevokedAt time.Time
	ExpiresAt time.Time
}

// Session tracks one login, keyed by the refresh token's JTI.
type Session struct {
	ID           string
	UserID       int64
	IPAddress    string
	UserAgent    string
	CreatedAt    time.Time
	LastActivity time.Time
	Active       bool
}

// ClientMeta captures request attributes recorded on the session.
type ClientMeta struct {
	IP        string
	UserAgent string
}
