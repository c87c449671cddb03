// Package access decides which capabilities a caller holds over a site.
//
// Identities fall into one of four classes, chosen once per request from
// the identity string. The class selects the decision rule; there are no
// per-class types.
package access

// Class is the kind of caller behind an identity.
type Class int

const (
	// ClassNone is an unauthenticated caller.
	ClassNone Class = iota
	// ClassUser is an authenticated end user.
	ClassUser
	// ClassSweep is the room-sweep service.
	ClassSweep
	// ClassSystem is the game system itself.
	ClassSystem
)

func (c Class) String() string {
	switch c {
	case ClassUser:
		return "user"
	case ClassSweep:
		return "sweep"
	case ClassSystem:
		return "system"
	default:
		return "none"
	}
}

// Capability names an action on a site.
type Capability string

const (
	ConnectRoom           Capability = "connect_room"
	UpdateRoom            Capability = "update_room"
	DeleteSite            Capability = "delete_site"
	ViewConnectionDetails Capability = "view_connection_details"
	SwapSites             Capability = "swap_sites"
)

// Decision is the outcome of Authorize.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Allowed reports whether d is Allow.
func (d Decision) Allowed() bool { return d == Allow }

var sweepCapabilities = map[Capability]bool{
	ViewConnectionDetails: true,
	SwapSites:             true,
}

// Identity is a classified caller.
type Identity struct {
	ID    string
	Class Class
}

// Anonymous is the identity of an unsigned request.
var Anonymous = Identity{Class: ClassNone}

// Policy classifies identity strings against the configured system and
// sweep identities.
type Policy struct {
	systemID string
	sweepID  string
}

// NewPolicy returns a Policy. An empty systemID or sweepID disables that
// class.
func NewPolicy(systemID, sweepID string) *Policy {
	return &Policy{systemID: systemID, sweepID: sweepID}
}

// Classify maps an identity string to an Identity.
func (p *Policy) Classify(id string) Identity {
	switch {
	case id == "":
		return Anonymous
	case p.systemID != "" && id == p.systemID:
		return Identity{ID: id, Class: ClassSystem}
	case p.sweepID != "" && id == p.sweepID:
		return Identity{ID: id, Class: ClassSweep}
	default:
		return Identity{ID: id, Class: ClassUser}
	}
}

// Authorize decides whether who may exercise capability over a resource
// owned by resourceOwner.
func Authorize(who Identity, resourceOwner string, capability Capability) Decision {
	switch who.Class {
	case ClassSystem:
		return Allow
	case ClassSweep:
		if sweepCapabilities[capability] {
			return Allow
		}
		return Deny
	case ClassUser:
		if who.ID != "" && resourceOwner == who.ID {
			return Allow
		}
		return Deny
	default:
		return Deny
	}
}
