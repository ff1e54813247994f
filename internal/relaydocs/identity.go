package relaydocs

import "context"

// Identity is the caller on whose behalf an operation runs.
type Identity struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId,omitempty"`
	Visitor  bool   `json:"visitor,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
}

func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity carried by ctx. Missing identities come
// back as the anonymous zero value.
func IdentityFrom(ctx context.Context) Identity {
	if ctx == nil {
		return Identity{}
	}
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}
