package relaydocs

import (
	"context"
	"sort"
	"sync"
)

type directoryUser struct {
	name    string
	visitor bool
}

// MemoryDirectory is a UserDirectory held in process memory.
type MemoryDirectory struct {
	mu     sync.RWMutex
	users  map[string]directoryUser
	groups map[string][]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:  map[string]directoryUser{},
		groups: map[string][]string{},
	}
}

func (d *MemoryDirectory) AddUser(id, name string, visitor bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id] = directoryUser{name: name, visitor: visitor}
}

func (d *MemoryDirectory) AddGroup(id string, members ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[id] = append([]string(nil), members...)
}

func (d *MemoryDirectory) DisplayName(ctx context.Context, userID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if u, ok := d.users[userID]; ok && u.name != "" {
		return u.name
	}
	return userID
}

func (d *MemoryDirectory) IsVisitor(ctx context.Context, userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users[userID].visitor
}

func (d *MemoryDirectory) GroupMembers(ctx context.Context, groupID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.groups[groupID]...)
}

func (d *MemoryDirectory) GroupsOf(ctx context.Context, userID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for id, members := range d.groups {
		if contains(members, userID) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// TenantBilling gates tenants whose subscription has lapsed. Tenants not
// listed are treated as paid.
type TenantBilling struct {
	unpaid map[string]struct{}
}

func NewTenantBilling(unpaid ...string) *TenantBilling {
	b := &TenantBilling{unpaid: make(map[string]struct{}, len(unpaid))}
	for _, id := range unpaid {
		b.unpaid[id] = struct{}{}
	}
	return b
}

// Paid reports whether the tenant of the caller in ctx may use the service.
func (b *TenantBilling) Paid(ctx context.Context) bool {
	_, lapsed := b.unpaid[IdentityFrom(ctx).TenantID]
	return !lapsed
}
