package site

// EmptyRoomName is the name shown for exits into unclaimed cells.
const EmptyRoomName = "Empty Room"

const emptyRoomDoor = "Tunnel"

// Exit is a neighbor as seen from a room.
type Exit struct {
	ID                string             `json:"_id"`
	Name              string             `json:"name"`
	FullName          string             `json:"fullName,omitempty"`
	Door              string             `json:"door,omitempty"`
	ConnectionDetails *ConnectionDetails `json:"connectionDetails,omitempty"`
}

// Exits holds the four cardinal exits of a room.
type Exits struct {
	North *Exit `json:"n,omitempty"`
	South *Exit `json:"s,omitempty"`
	East  *Exit `json:"e,omitempty"`
	West  *Exit `json:"w,omitempty"`
}

// Get returns the exit in direction d, or nil.
func (e *Exits) Get(d Direction) *Exit {
	switch d {
	case North:
		return e.North
	case South:
		return e.South
	case East:
		return e.East
	case West:
		return e.West
	}
	return nil
}

// Set stores x as the exit in direction d.
func (e *Exits) Set(d Direction, x *Exit) {
	switch d {
	case North:
		e.North = x
	case South:
		e.South = x
	case East:
		e.East = x
	case West:
		e.West = x
	}
}

// Complete reports whether all four cardinal exits are present.
func (e *Exits) Complete() bool {
	return e != nil && e.North != nil && e.South != nil && e.East != nil && e.West != nil
}

func (e Exits) clone() Exits {
	var out Exits
	for _, d := range Directions {
		if x := e.Get(d); x != nil {
			c := *x
			if x.ConnectionDetails != nil {
				cd := *x.ConnectionDetails
				c.ConnectionDetails = &cd
			}
			out.Set(d, &c)
		}
	}
	return out
}

// ExitTo describes neighbor as seen by a room whose exit in direction d
// leads to it. The door text is the neighbor's door facing back toward the
// room. Connection details never carry the neighbor's token.
func ExitTo(d Direction, neighbor Site) *Exit {
	if !neighbor.Occupied() || neighbor.Info == nil {
		return &Exit{
			ID:       neighbor.ID,
			Name:     EmptyRoomName,
			FullName: EmptyRoomName,
			Door:     emptyRoomDoor,
		}
	}
	info := neighbor.Info
	x := &Exit{
		ID:       neighbor.ID,
		Name:     info.Name,
		FullName: info.FullName,
		Door:     info.Doors.Door(d.Opposite()),
	}
	if info.ConnectionDetails != nil {
		x.ConnectionDetails = &ConnectionDetails{
			Type:   info.ConnectionDetails.Type,
			Target: info.ConnectionDetails.Target,
		}
	}
	return x
}

// BuildExits computes the exits of a site at c from the sites around it.
// Directions with no neighbor are left nil.
func BuildExits(c Coord, around []Site) *Exits {
	byCoord := make(map[Coord]Site, len(around))
	for _, s := range around {
		byCoord[s.Coord] = s
	}
	exits := &Exits{}
	for _, d := range Directions {
		if n, ok := byCoord[c.Neighbor(d)]; ok {
			exits.Set(d, ExitTo(d, n))
		}
	}
	return exits
}
