package model

// Capability names. World-scoped create grants are CapCreate + "." + world.
const (
	CapCreate      = "claims.create"
	CapUnlimited   = "claims.unlimited"
	CapAdmin       = "claims.admin"
	CapGrantAdmin  = "claims.admin.grant"
	CapBypassSpawn = "claims.bypass.spawn"
)

// Actor is an identity together with the capabilities it holds right now.
type Actor struct {
	ID           string
	Name         string
	Capabilities map[string]bool
}

func NewActor(id, name string, caps ...string) Actor {
	a := Actor{ID: id, Name: name, Capabilities: make(map[string]bool, len(caps))}
	for _, c := range caps {
		a.Capabilities[c] = true
	}
	return a
}

func (a Actor) Has(capability string) bool {
	return a.Capabilities[capability]
}

func (a Actor) IsAdmin() bool { return a.Has(CapAdmin) }

// CanCreateIn reports a generic or world-scoped create grant.
func (a Actor) CanCreateIn(world string) bool {
	return a.Has(CapCreate) || a.Has(CapCreate+"."+world)
}

// CapabilityProvider resolves the live capability set of an identity.
type CapabilityProvider interface {
	Capabilities(identity string) []string
}
