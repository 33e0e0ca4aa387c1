package model

// AuthUser is the normalized operator identity derived from a profile row.
type AuthUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role,omitempty"`
}

// SameAs reports whether two users would resolve to the same permission set.
func (u *AuthUser) SameAs(other *AuthUser) bool {
	if u == nil || other == nil {
		return u == other
	}
	return u.ID == other.ID && u.Role == other.Role
}
