package deck

import (
	"github.com/google/uuid"

	"github.com/flammafex/hypertoken/internal/chronicle"
	"github.com/flammafex/hypertoken/internal/clock"
	"github.com/flammafex/hypertoken/internal/hterr"
	"github.com/flammafex/hypertoken/internal/token"
)

// Placement is a token reference inside a zone.
type Placement struct {
	PlacementID   string      `json:"placementId"`
	TokenID       string      `json:"tokenId"`
	TokenSnapshot token.Token `json:"tokenSnapshot"`
	X             float64     `json:"x"`
	Y             float64     `json:"y"`
	FaceUp        bool        `json:"faceUp"`
	Locked        bool        `json:"locked"`
	Tags          []string    `json:"tags,omitempty"`
}

// PlaceOptions positions a new placement.
type PlaceOptions struct {
	X      float64
	Y      float64
	FaceUp bool
}

// Space holds named zones of placements. The zone record (existence, lock
// state, meta) lives in registers; the placement order lives in a
// replicated list; per-placement position and orientation live in their own
// registers so concurrent moves and flips merge field-wise.
type Space struct {
	c *chronicle.Chronicle
}

// NewSpace binds a space over the chronicle.
func NewSpace(c *chronicle.Chronicle) *Space { return &Space{c: c} }

func zoneKey(zone, field string) string { return "zones." + zone + "." + field }

func placementKey(pid, field string) string { return "placements." + pid + "." + field }

// CreateZone registers a zone. Creating an existing zone refreshes meta.
func (s *Space) CreateZone(name string, meta map[string]any) error {
	if err := validateName(name); err != nil {
		return err
	}
	return s.c.Change("space:create_zone", func(tx *chronicle.Tx) error {
		tx.Set(zoneKey(name, "exists"), true)
		tx.Set(zoneKey(name, "locked"), false)
		tx.AddToSet("zonesIndex", name)
		if meta != nil {
			tx.Set(zoneKey(name, "meta"), meta)
		}
		return nil
	})
}

// RemoveZone drops a zone and its placements.
func (s *Space) RemoveZone(name string) error {
	return s.c.Change("space:remove_zone", func(tx *chronicle.Tx) error {
		if err := requireZone(tx, name); err != nil {
			return err
		}
		for _, e := range tx.Elems(zoneKey(name, "placements")) {
			tx.Remove(zoneKey(name, "placements"), e.ID)
		}
		tx.Set(zoneKey(name, "exists"), false)
		tx.RemoveFromSet("zonesIndex", name)
		return nil
	})
}

func requireZone(tx *chronicle.Tx, name string) error {
	if exists, _ := tx.Get(zoneKey(name, "exists")).(bool); !exists {
		return hterr.Newf(hterr.KindUnknownZone, "zone %q", name)
	}
	return nil
}

func requireUnlocked(tx *chronicle.Tx, name string) error {
	if err := requireZone(tx, name); err != nil {
		return err
	}
	if locked, _ := tx.Get(zoneKey(name, "locked")).(bool); locked {
		return hterr.Newf(hterr.KindZoneLocked, "zone %q", name)
	}
	return nil
}

// Place inserts a token into a zone and returns the new placement. The
// snapshot freezes the token's value at placement time.
func (s *Space) Place(zone string, t token.Token, opts PlaceOptions) (Placement, error) {
	p := Placement{
		PlacementID:   uuid.NewString(),
		TokenID:       t.ID,
		TokenSnapshot: t.Clone(),
	}
	err := s.c.Change("space:place", func(tx *chronicle.Tx) error {
		if err := requireUnlocked(tx, zone); err != nil {
			return err
		}
		if holder := findToken(tx, t.ID); holder != "" {
			return hterr.Newf(hterr.KindTokenAlreadyPlaced, "token %s already in %s", t.ID, holder)
		}
		tx.Push(zoneKey(zone, "placements"), placementRecord{
			PlacementID:   p.PlacementID,
			TokenID:       p.TokenID,
			TokenSnapshot: p.TokenSnapshot,
		})
		tx.Set(placementKey(p.PlacementID, "x"), opts.X)
		tx.Set(placementKey(p.PlacementID, "y"), opts.Y)
		tx.Set(placementKey(p.PlacementID, "faceUp"), opts.FaceUp)
		return nil
	})
	if err != nil {
		return Placement{}, err
	}
	p.X, p.Y, p.FaceUp = opts.X, opts.Y, opts.FaceUp
	return p, nil
}

// placementRecord is the immutable part stored in the zone list.
type placementRecord struct {
	PlacementID   string      `json:"placementId"`
	TokenID       string      `json:"tokenId"`
	TokenSnapshot token.Token `json:"tokenSnapshot"`
	Tags          []string    `json:"tags,omitempty"`
}

// findToken scans every zone for a live placement of the token. Returns the
// holding zone name or empty.
func findToken(tx *chronicle.Tx, tokenID string) string {
	for _, zone := range zoneNames(tx) {
		for _, e := range tx.Elems(zoneKey(zone, "placements")) {
			var rec placementRecord
			if chronicle.Decode(e.Value, &rec) == nil && rec.TokenID == tokenID {
				return zone
			}
		}
	}
	return ""
}

// zoneNames lists zones tracked in the replicated index set.
func zoneNames(tx *chronicle.Tx) []string {
	return tx.SetMembers("zonesIndex")
}

// Move transfers a placement between zones, optionally repositioning it.
func (s *Space) Move(fromZone, toZone, placementID string, pos *PlaceOptions) error {
	return s.c.Change("space:move", func(tx *chronicle.Tx) error {
		if err := requireUnlocked(tx, fromZone); err != nil {
			return err
		}
		if err := requireUnlocked(tx, toZone); err != nil {
			return err
		}
		elem, err := findPlacement(tx, fromZone, placementID)
		if err != nil {
			return err
		}
		tx.Transfer(zoneKey(fromZone, "placements"), elem, zoneKey(toZone, "placements"))
		if pos != nil {
			tx.Set(placementKey(placementID, "x"), pos.X)
			tx.Set(placementKey(placementID, "y"), pos.Y)
		}
		return nil
	})
}

func findPlacement(tx *chronicle.Tx, zone, placementID string) (clock.LamportID, error) {
	for _, e := range tx.Elems(zoneKey(zone, "placements")) {
		var rec placementRecord
		if chronicle.Decode(e.Value, &rec) == nil && rec.PlacementID == placementID {
			return e.ID, nil
		}
	}
	return clock.Zero, hterr.Newf(hterr.KindUnknownPlacement, "placement %q in zone %q", placementID, zone)
}

// Flip toggles a placement's orientation.
func (s *Space) Flip(zone, placementID string) error {
	return s.c.Change("space:flip", func(tx *chronicle.Tx) error {
		if err := requireUnlocked(tx, zone); err != nil {
			return err
		}
		if _, err := findPlacement(tx, zone, placementID); err != nil {
			return err
		}
		cur, _ := tx.Get(placementKey(placementID, "faceUp")).(bool)
		tx.Set(placementKey(placementID, "faceUp"), !cur)
		return nil
	})
}

// ShuffleZone permutes the placement order deterministically.
func (s *Space) ShuffleZone(zone string, seed uint64) error {
	return s.c.Change("space:shuffle_zone", func(tx *chronicle.Tx) error {
		if err := requireUnlocked(tx, zone); err != nil {
			return err
		}
		return shuffleList(tx, zoneKey(zone, "placements"), resolveSeed(tx, seed))
	})
}

// LockZone rejects modifying operations until unlocked.
func (s *Space) LockZone(zone string) error { return s.setLock(zone, true) }

// UnlockZone reverses LockZone.
func (s *Space) UnlockZone(zone string) error { return s.setLock(zone, false) }

func (s *Space) setLock(zone string, locked bool) error {
	return s.c.Change("space:lock", func(tx *chronicle.Tx) error {
		if err := requireZone(tx, zone); err != nil {
			return err
		}
		tx.Set(zoneKey(zone, "locked"), locked)
		return nil
	})
}

// ClearZone removes every placement from a zone.
func (s *Space) ClearZone(zone string) error {
	return s.c.Change("space:clear_zone", func(tx *chronicle.Tx) error {
		if err := requireUnlocked(tx, zone); err != nil {
			return err
		}
		for _, e := range tx.Elems(zoneKey(zone, "placements")) {
			tx.Remove(zoneKey(zone, "placements"), e.ID)
		}
		return nil
	})
}

// Cards returns the zone's placements in order, read-only.
func (s *Space) Cards(zone string) ([]Placement, error) {
	var out []Placement
	var err error
	s.c.Read(func(tx *chronicle.Tx) {
		if zerr := requireZone(tx, zone); zerr != nil {
			err = zerr
			return
		}
		for _, e := range tx.Elems(zoneKey(zone, "placements")) {
			var rec placementRecord
			if chronicle.Decode(e.Value, &rec) != nil {
				continue
			}
			p := Placement{
				PlacementID:   rec.PlacementID,
				TokenID:       rec.TokenID,
				TokenSnapshot: rec.TokenSnapshot,
				Tags:          rec.Tags,
			}
			p.X, _ = tx.Get(placementKey(rec.PlacementID, "x")).(float64)
			p.Y, _ = tx.Get(placementKey(rec.PlacementID, "y")).(float64)
			p.FaceUp, _ = tx.Get(placementKey(rec.PlacementID, "faceUp")).(bool)
			locked, _ := tx.Get(zoneKey(zone, "locked")).(bool)
			p.Locked = locked
			out = append(out, p)
		}
	})
	return out, err
}

// DefineSpread stores a labelled ordered list of zone ids for layout
// consumers.
func (s *Space) DefineSpread(name string, zoneIDs []string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return s.c.Change("space:define_spread", func(tx *chronicle.Tx) error {
		tx.Set("spreads."+name, zoneIDs)
		return nil
	})
}

// Spread reads a spread definition.
func (s *Space) Spread(name string) []string {
	var out []string
	s.c.Read(func(tx *chronicle.Tx) {
		if v := tx.Get("spreads." + name); v != nil {
			_ = chronicle.Decode(v, &out)
		}
	})
	return out
}

// Zones lists zones that currently exist.
func (s *Space) Zones() []string {
	var out []string
	s.c.Read(func(tx *chronicle.Tx) {
		for _, z := range zoneNames(tx) {
			if exists, _ := tx.Get(zoneKey(z, "exists")).(bool); exists {
				out = append(out, z)
			}
		}
	})
	return out
}
