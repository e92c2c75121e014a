// Package authz decides what each organisation role may do.
package authz

import (
	"errors"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeShadow   Mode = "shadow"
	ModeDisabled Mode = "disabled"
)

// ParseMode validates a configured mode. The empty string means enforce.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.TrimSpace(strings.ToLower(raw))); m {
	case "":
		return ModeEnforce, nil
	case ModeEnforce, ModeShadow, ModeDisabled:
		return m, nil
	default:
		return "", errors.New("authz: invalid mode (expected enforce|shadow|disabled)")
	}
}

// Roles.
const (
	RoleOwner      = "owner"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

// Objects and actions.
const (
	ObjectOrganisation = "organisation"
	ObjectAdmins       = "admins"
	ObjectInvites      = "invites"
	ObjectTenants      = "tenants"
	ObjectFeatures     = "features"
	ObjectStats        = "stats"

	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && (r.act == p.act || p.act == "*")
`

// defaultPolicies are loaded into every authorizer. The owner inherits every admin
// permission; superadmins administer the whole installation.
var defaultPolicies = [][]string{
	{SubjectFromRole(RoleAdmin), ObjectOrganisation, ActionRead},
	{SubjectFromRole(RoleAdmin), ObjectOrganisation, ActionWrite},
	{SubjectFromRole(RoleAdmin), ObjectAdmins, ActionRead},
	{SubjectFromRole(RoleAdmin), ObjectAdmins, ActionDelete},
	{SubjectFromRole(RoleAdmin), ObjectInvites, "*"},
	{SubjectFromRole(RoleAdmin), ObjectTenants, "*"},
	{SubjectFromRole(RoleSuperAdmin), ObjectFeatures, "*"},
	{SubjectFromRole(RoleSuperAdmin), ObjectStats, ActionRead},
}

var defaultGroupings = [][]string{
	{SubjectFromRole(RoleOwner), SubjectFromRole(RoleAdmin)},
}

// installationObjects are always enforced, whatever the mode.
var installationObjects = map[string]bool{
	ObjectFeatures: true,
	ObjectStats:    true,
}

type Authorizer struct {
	enforcer *casbin.Enforcer
	mode     Mode
	logger   *zap.Logger
}

type Option func(*Authorizer)

// WithLogger sets the logger that records shadow mode denials.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Authorizer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAuthorizer builds an authorizer from the built in model and policies.
func NewAuthorizer(mode Mode, opts ...Option) (*Authorizer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	if _, err := enforcer.AddPolicies(defaultPolicies); err != nil {
		return nil, err
	}
	if _, err := enforcer.AddGroupingPolicies(defaultGroupings); err != nil {
		return nil, err
	}
	a := &Authorizer{enforcer: enforcer, mode: mode, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func SubjectFromRole(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = "anonymous"
	}
	return "role:" + role
}

// Authorize reports whether subject may perform action on object. enforced is
// false when the decision is only advisory (shadow or disabled mode).
func (a *Authorizer) Authorize(subject, object, action string) (allowed bool, enforced bool, err error) {
	switch a.mode {
	case ModeDisabled:
		return true, false, nil
	case ModeShadow:
		ok, err := a.enforcer.Enforce(subject, object, action)
		if err != nil {
			return false, false, err
		}
		if !ok {
			a.logger.Warn("authz denial (shadow)",
				zap.String("subject", subject),
				zap.String("object", object),
				zap.String("action", action))
		}
		return ok, false, nil
	case ModeEnforce:
		ok, err := a.enforcer.Enforce(subject, object, action)
		if err != nil {
			return false, true, err
		}
		return ok, true, nil
	default:
		return false, false, errors.New("authz: unknown mode")
	}
}

// Allowed is Authorize collapsed to a single decision: a denial only counts when
// enforced. Installation wide objects (features, stats) are enforced in every
// mode so that relaxing organisation checks never grants superadmin rights.
func (a *Authorizer) Allowed(role, object, action string) (bool, error) {
	subject := SubjectFromRole(role)
	if installationObjects[object] {
		return a.enforcer.Enforce(subject, object, action)
	}
	ok, enforced, err := a.Authorize(subject, object, action)
	if err != nil {
		return false, err
	}
	return ok || !enforced, nil
}
