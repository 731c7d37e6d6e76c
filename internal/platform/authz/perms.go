package authz

import (
	"fmt"
	"sort"

	"github.com/healthops/healthops/internal/platform/validation"
)

// PermissionName is a "<resource>:<action>" or "<resource>.<action>" string.
// Matching is exact; there are no wildcards or hierarchies.
type PermissionName string

func (p PermissionName) Valid() bool {
	return validation.PermissionName(string(p))
}

// ParsePermission validates s as a permission name.
func ParsePermission(s string) (PermissionName, error) {
	p := PermissionName(s)
	if !p.Valid() {
		return "", fmt.Errorf("invalid permission name %q", s)
	}
	return p, nil
}

const (
	DelegationCreate  PermissionName = "delegation:create"
	DelegationApprove PermissionName = "delegation:approve"
	DelegationManage  PermissionName = "delegation:manage"
	IVRSubmit         PermissionName = "ivr:submit"
	IVRRead           PermissionName = "ivr:read"
	PatientRead       PermissionName = "patient:read"
	PatientWrite      PermissionName = "patient:write"
	OrderCreate       PermissionName = "order:create"
	OrderRead         PermissionName = "order:read"
	RoleManage        PermissionName = "role:manage"
	UserManage        PermissionName = "user:manage"
	AuditRead         PermissionName = "audit:read"
	AuditExport       PermissionName = "audit:export"
	ComplianceRead    PermissionName = "compliance:read"
)

// Definition describes a registered permission. PHI marks permissions whose
// use is audited as PHI access.
type Definition struct {
	Name        PermissionName
	DisplayName string
	Description string
	PHI         bool
}

// Builtin is the permission registry synced into the permission table.
var Builtin = []Definition{
	{DelegationCreate, "Create delegations", "Delegate a subset of own permissions to another user", false},
	{DelegationApprove, "Approve delegations", "Approve delegations that require approval", false},
	{DelegationManage, "Manage delegations", "Approve or revoke any delegation in the organization", false},
	{IVRSubmit, "Submit IVR", "Submit insurance verification requests", true},
	{IVRRead, "Read IVR", "View insurance verification requests", true},
	{PatientRead, "Read patients", "View patient records", true},
	{PatientWrite, "Write patients", "Create and update patient records", true},
	{OrderCreate, "Create orders", "Place orders", false},
	{OrderRead, "Read orders", "View orders", false},
	{RoleManage, "Manage roles", "Create, update and assign roles and permissions", false},
	{UserManage, "Manage users", "Create users in the organization", false},
	{AuditRead, "Read audit log", "Search and view audit log entries", false},
	{AuditExport, "Export audit log", "Export audit log entries as CSV or JSON", false},
	{ComplianceRead, "Read compliance reports", "Generate compliance reports over the audit log", false},
}

var registry = func() map[PermissionName]Definition {
	m := make(map[PermissionName]Definition, len(Builtin))
	for _, d := range Builtin {
		if !d.Name.Valid() {
			panic("authz: invalid builtin permission " + string(d.Name))
		}
		m[d.Name] = d
	}
	return m
}()

// Lookup returns the builtin definition for p.
func Lookup(p PermissionName) (Definition, bool) {
	d, ok := registry[p]
	return d, ok
}

// IsPHI reports whether p is a registered PHI permission.
func IsPHI(p PermissionName) bool {
	return registry[p].PHI
}

// PermissionSet is a set of permission names.
type PermissionSet map[PermissionName]struct{}

func NewPermissionSet(perms ...PermissionName) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

func (s PermissionSet) Add(p PermissionName) { s[p] = struct{}{} }

func (s PermissionSet) Has(p PermissionName) bool {
	_, ok := s[p]
	return ok
}

// Missing returns the members of perms not in s, in input order.
func (s PermissionSet) Missing(perms []PermissionName) []PermissionName {
	var out []PermissionName
	for _, p := range perms {
		if !s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Sorted returns the members in lexical order.
func (s PermissionSet) Sorted() []PermissionName {
	out := make([]PermissionName, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted members as plain strings.
func (s PermissionSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, p := range sorted {
		out[i] = string(p)
	}
	return out
}

func names(perms []PermissionName) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}
