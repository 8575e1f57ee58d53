package authz

// Resources.
const (
	ResourcePolicy         = "policy"
	ResourceSession        = "session"
	ResourceOverride       = "override"
	ResourceTelemetry      = "telemetry"
	ResourceCredential     = "credential"
	ResourceEvents         = "events"
	ResourceSigningKeys    = "signing_keys"
	ResourceRateLimits     = "rate_limits"
	ResourceFeatureToggles = "feature_toggles"
)

// Actions.
const (
	ActionRead    = "read"
	ActionWrite   = "write"
	ActionReissue = "reissue"
	ActionGrant   = "grant"
	ActionRevoke  = "revoke"
	ActionExtend  = "extend"
	ActionEnd     = "end"
	ActionRotate  = "rotate"
)

// Built-in role ids.
const (
	RoleOperator        = "operator"
	RoleSupervisor      = "supervisor"
	RoleTeamAdmin       = "team_admin"
	RoleRegionalManager = "regional_manager"
	RoleOrgSupport      = "org_support"
	RoleSystemAdmin     = "system_admin"
)

// SystemResources are reachable only by the system administrator role,
// whatever level a permission names.
var SystemResources = []string{ResourceSigningKeys, ResourceRateLimits, ResourceFeatureToggles}

func perm(resource, action string, level Level) Permission {
	return Permission{Resource: resource, Action: action, Level: level}
}

// BuiltinRoles is the default catalog seeded into fresh stores.
func BuiltinRoles() []Role {
	operator := []Permission{
		perm(ResourcePolicy, ActionRead, LevelTeam),
		perm(ResourceTelemetry, ActionWrite, LevelTeam),
		perm(ResourceSession, ActionRead, LevelUser),
		{Resource: ResourceSession, Action: ActionExtend, Level: LevelUser, Override: true},
	}
	supervisor := append(append([]Permission(nil), operator...),
		perm(ResourceOverride, ActionGrant, LevelTeam),
		perm(ResourceOverride, ActionRevoke, LevelTeam),
		perm(ResourceTelemetry, ActionRead, LevelTeam),
		perm(ResourceEvents, ActionRead, LevelTeam),
	)
	teamAdmin := append(append([]Permission(nil), supervisor...),
		perm(ResourcePolicy, ActionReissue, LevelTeam),
		perm(ResourceCredential, ActionRotate, LevelTeam),
		perm(ResourceSession, ActionEnd, LevelTeam),
	)
	return []Role{
		{ID: RoleOperator, Name: "Operator", Permissions: operator},
		{ID: RoleSupervisor, Name: "Supervisor", Permissions: supervisor},
		{ID: RoleTeamAdmin, Name: "Team administrator", Permissions: teamAdmin},
		{ID: RoleRegionalManager, Name: "Regional manager", Permissions: []Permission{
			perm(ResourcePolicy, ActionRead, LevelRegion),
			perm(ResourcePolicy, ActionReissue, LevelRegion),
			perm(ResourceTelemetry, ActionRead, LevelRegion),
			perm(ResourceEvents, ActionRead, LevelRegion),
			perm(ResourceOverride, ActionRevoke, LevelRegion),
			perm(ResourceSession, ActionEnd, LevelRegion),
		}},
		{ID: RoleOrgSupport, Name: "Organization support", Description: "cross-team support across the organization", Permissions: []Permission{
			perm(ResourcePolicy, ActionRead, LevelOrganization),
			perm(ResourcePolicy, ActionReissue, LevelOrganization),
			perm(ResourceTelemetry, ActionRead, LevelOrganization),
			perm(ResourceEvents, ActionRead, LevelOrganization),
			perm(ResourceOverride, ActionRevoke, LevelOrganization),
			perm(ResourceSession, ActionEnd, LevelOrganization),
			perm(ResourceCredential, ActionRotate, LevelOrganization),
		}},
		{ID: RoleSystemAdmin, Name: "System administrator", Permissions: []Permission{
			perm(ResourceSigningKeys, ActionRotate, LevelSystem),
			perm(ResourceRateLimits, ActionWrite, LevelSystem),
			perm(ResourceFeatureToggles, ActionWrite, LevelSystem),
			perm(ResourceEvents, ActionRead, LevelSystem),
			perm(ResourcePolicy, ActionRead, LevelSystem),
			perm(ResourcePolicy, ActionReissue, LevelSystem),
		}},
	}
}
