package conversation

import "fmt"

// Privilege is a member's rank inside a conversation.
// Higher values outrank lower ones.
type Privilege int

const (
	PrivilegeNone Privilege = iota
	PrivilegeRead
	PrivilegeWrite
	PrivilegeAdmin
	PrivilegeOwner
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeRead:
		return "read"
	case PrivilegeWrite:
		return "write"
	case PrivilegeAdmin:
		return "admin"
	case PrivilegeOwner:
		return "owner"
	default:
		return "none"
	}
}

func ParsePrivilege(s string) (Privilege, error) {
	switch s {
	case "read":
		return PrivilegeRead, nil
	case "write":
		return PrivilegeWrite, nil
	case "admin":
		return PrivilegeAdmin, nil
	case "owner":
		return PrivilegeOwner, nil
	}
	return PrivilegeNone, fmt.Errorf("unknown privilege %q", s)
}

// Outranks reports whether p is strictly above other in the hierarchy
func (p Privilege) Outranks(other Privilege) bool {
	return p > other
}

// CanManageMembers reports whether p may add members and change privileges
func (p Privilege) CanManageMembers() bool {
	return p >= PrivilegeAdmin
}
