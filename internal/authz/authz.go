// Package authz maps a user's role onto the set of operations it may perform.
package authz

import "strings"

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleCashier Role = "cashier"
	RoleViewer  Role = "viewer"
)

func ParseRole(raw string) (Role, bool) {
	switch role := Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case RoleAdmin, RoleManager, RoleCashier, RoleViewer:
		return role, true
	default:
		return "", false
	}
}

type Capability uint8

const (
	Sell Capability = 1 << iota
	Edit
	Delete
	ManageCash
	CancelSale
	ViewReports
)

func (c Capability) String() string {
	switch c {
	case Sell:
		return "sell"
	case Edit:
		return "edit"
	case Delete:
		return "delete"
	case ManageCash:
		return "manage_cash"
	case CancelSale:
		return "cancel_sale"
	case ViewReports:
		return "view_reports"
	default:
		return "unknown"
	}
}

// Set is the resolved capability set of one actor.
type Set uint8

var roleCapabilities = map[Role]Set{
	RoleAdmin:   Set(Sell | Edit | Delete | ManageCash | CancelSale | ViewReports),
	RoleManager: Set(Sell | Edit | ManageCash | CancelSale | ViewReports),
	RoleCashier: Set(Sell | ManageCash),
	RoleViewer:  Set(ViewReports),
}

// ForRole returns the capabilities of role. Unknown roles get none.
func ForRole(raw string) Set {
	role, ok := ParseRole(raw)
	if !ok {
		return 0
	}
	return roleCapabilities[role]
}

func (s Set) Has(c Capability) bool {
	return s&Set(c) != 0
}

func (s Set) CanSell() bool        { return s.Has(Sell) }
func (s Set) CanEdit() bool        { return s.Has(Edit) }
func (s Set) CanDelete() bool      { return s.Has(Delete) }
func (s Set) CanManageCash() bool  { return s.Has(ManageCash) }
func (s Set) CanCancelSale() bool  { return s.Has(CancelSale) }
func (s Set) CanViewReports() bool { return s.Has(ViewReports) }
