// Package site defines the lattice cell records exchanged between the
// allocator, the stores and the HTTP surface.
package site

import (
	"strings"
	"time"
)

// Type discriminates site documents.
type Type string

const (
	// TypeRoom is a claimed cell holding a room.
	TypeRoom Type = "room"
	// TypeEmpty is a cell that has never been occupied.
	TypeEmpty Type = "empty"
	// TypePlaceholder is a cell freed by deleting a room.
	TypePlaceholder Type = "placeholder"
)

// Claimable reports whether a cell of type t may be claimed by a room.
func (t Type) Claimable() bool {
	return t == TypeEmpty || t == TypePlaceholder
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	return t == TypeRoom || t.Claimable()
}

// Coord is a lattice position.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Neighbor returns the coordinate one step in direction d.
func (c Coord) Neighbor(d Direction) Coord {
	switch d {
	case North:
		return Coord{X: c.X, Y: c.Y + 1}
	case South:
		return Coord{X: c.X, Y: c.Y - 1}
	case East:
		return Coord{X: c.X + 1, Y: c.Y}
	case West:
		return Coord{X: c.X - 1, Y: c.Y}
	}
	return c
}

// Direction is a compass direction on the lattice.
type Direction string

const (
	North Direction = "n"
	South Direction = "s"
	East  Direction = "e"
	West  Direction = "w"
)

// Directions lists the four cardinal directions in a fixed order.
var Directions = [...]Direction{North, South, East, West}

// Opposite returns the direction facing back.
func (d Direction) Opposite() Direction {
	switch d {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	case West:
		return East
	}
	return d
}

// ConnectionDetails says how the game reaches a room's service.
type ConnectionDetails struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	Token  string `json:"token,omitempty"`
}

// Doors holds the door description shown from each side of a room.
type Doors struct {
	North string `json:"n,omitempty"`
	South string `json:"s,omitempty"`
	East  string `json:"e,omitempty"`
	West  string `json:"w,omitempty"`
	Up    string `json:"u,omitempty"`
	Down  string `json:"d,omitempty"`
}

// Door returns the door text for direction d.
func (d *Doors) Door(dir Direction) string {
	if d == nil {
		return ""
	}
	switch dir {
	case North:
		return d.North
	case South:
		return d.South
	case East:
		return d.East
	case West:
		return d.West
	}
	return ""
}

// RoomInfo is the owner-supplied description of a room.
type RoomInfo struct {
	Name              string             `json:"name"`
	FullName          string             `json:"fullName,omitempty"`
	Description       string             `json:"description,omitempty"`
	ConnectionDetails *ConnectionDetails `json:"connectionDetails,omitempty"`
	Doors             *Doors             `json:"doors,omitempty"`
}

// Normalize trims the name and reports whether the info is usable.
func (ri *RoomInfo) Normalize() bool {
	if ri == nil {
		return false
	}
	ri.Name = strings.TrimSpace(ri.Name)
	return ri.Name != ""
}

// Clone returns a deep copy.
func (ri *RoomInfo) Clone() *RoomInfo {
	if ri == nil {
		return nil
	}
	out := *ri
	if ri.ConnectionDetails != nil {
		cd := *ri.ConnectionDetails
		out.ConnectionDetails = &cd
	}
	if ri.Doors != nil {
		d := *ri.Doors
		out.Doors = &d
	}
	return &out
}

// Site is one lattice cell.
type Site struct {
	ID         string     `json:"_id"`
	Rev        string     `json:"_rev,omitempty"`
	Coord      Coord      `json:"coord"`
	Owner      string     `json:"owner,omitempty"`
	Type       Type       `json:"type"`
	Info       *RoomInfo  `json:"info,omitempty"`
	Exits      *Exits     `json:"exits,omitempty"`
	CreatedAt  time.Time  `json:"createdOn"`
	AssignedAt *time.Time `json:"assignedOn,omitempty"`
}

// Occupied reports whether the site holds a room.
func (s Site) Occupied() bool {
	return s.Type == TypeRoom
}

// Name returns the room name, or "" for unclaimed cells.
func (s Site) Name() string {
	if s.Info == nil {
		return ""
	}
	return s.Info.Name
}

// Clone returns a deep copy.
func (s Site) Clone() Site {
	out := s
	out.Info = s.Info.Clone()
	if s.Exits != nil {
		e := s.Exits.clone()
		out.Exits = &e
	}
	if s.AssignedAt != nil {
		t := *s.AssignedAt
		out.AssignedAt = &t
	}
	return out
}

// Claim sets info and owner and marks the site assigned at now.
func (s *Site) Claim(owner string, info *RoomInfo, now time.Time) {
	s.Type = TypeRoom
	s.Owner = owner
	s.Info = info.Clone()
	s.Exits = nil
	t := now.UTC()
	s.AssignedAt = &t
}

// Release clears the room, leaving an unclaimed placeholder.
func (s *Site) Release() {
	s.Type = TypePlaceholder
	s.Owner = ""
	s.Info = nil
	s.Exits = nil
	s.AssignedAt = nil
}

// StripConnectionDetails removes connection details from the room and its
// exits.
func (s *Site) StripConnectionDetails() {
	if s.Info != nil && s.Info.ConnectionDetails != nil {
		s.Info = s.Info.Clone()
		s.Info.ConnectionDetails = nil
	}
	if s.Exits != nil {
		for _, d := range Directions {
			if e := s.Exits.Get(d); e != nil {
				e.ConnectionDetails = nil
			}
		}
	}
}
