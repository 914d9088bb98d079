package auth

// ResolvePrincipal merges token claims with the current directory record into
// a request-scoped Principal. The precedence is explicit and uniform:
//
//   - authorization state (roles, permissions, organization grants, account
//     status, email verification) comes from the directory record when one is
//     available, falling back to token claims only when the directory could
//     not be consulted;
//   - identity and tenancy (user id, tenant, organization, user type, client
//     id) prefer the token claims, which were trusted at issuance, with the
//     directory record as fallback.
//
// user may be nil when the directory lookup degraded; claims must not be nil.
func ResolvePrincipal(claims *Claims, user *User) Principal {
	p := Principal{
		UserID:         firstNonEmpty(claims.Subject, userField(user, func(u *User) string { return u.ID })),
		TenantID:       firstNonEmpty(claims.TenantID, userField(user, func(u *User) string { return u.TenantID })),
		OrganizationID: firstNonEmpty(claims.OrganizationID, userField(user, func(u *User) string { return u.OrganizationID })),
		UserType:       firstNonEmpty(claims.UserType, userField(user, func(u *User) string { return u.UserType })),
		ClientID:       firstNonEmpty(claims.ClientID, userField(user, func(u *User) string { return u.ClientID })),
		Email:          firstNonEmpty(userField(user, func(u *User) string { return u.Email }), claims.Email),
		Username:       firstNonEmpty(userField(user, func(u *User) string { return u.Username }), claims.Username),
		SessionID:      claims.SessionID,
	}
	if user != nil {
		p.Roles = normalizeRoles(user.Roles)
		p.Permissions = toSet(user.Permissions)
		p.Organizations = user.Organizations
		p.EmailVerified = user.EmailVerified
		p.AccountStatus = user.Status
	} else {
		p.Roles = normalizeRoles(claims.Roles)
		p.Permissions = toSet(claims.Permissions)
		p.AccountStatus = StatusActive
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func userField(u *User, get func(*User) string) string {
	if u == nil {
		return ""
	}
	return get(u)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
