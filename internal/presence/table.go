// Package presence holds the local, authoritative view of who is in a
// collaboration session and where their cursor and selection are.
package presence

import (
	"math/rand"
	"time"

	"collabsync/internal/model"
)

// Palette is the fixed set of display colors assigned to participants.
var Palette = []string{
	"#ef4444", "#f97316", "#eab308", "#22c55e",
	"#14b8a6", "#3b82f6", "#8b5cf6", "#ec4899",
}

// Delta carries the fields of a presence update. Nil fields are left
// untouched on the existing participant.
type Delta struct {
	Name       *string
	Email      *string
	AvatarURL  *string
	Color      *string
	Cursor     *model.Cursor
	Selection  *model.Selection
	View       *model.View
	Online     *bool
	LastActive *int64
}

// DeltaFrom builds a delta carrying every set field of p.
func DeltaFrom(p model.Participant) Delta {
	d := Delta{Online: &p.Online}
	if p.Name != "" {
		d.Name = &p.Name
	}
	if p.Email != "" {
		d.Email = &p.Email
	}
	if p.AvatarURL != "" {
		d.AvatarURL = &p.AvatarURL
	}
	if p.Color != "" {
		d.Color = &p.Color
	}
	if p.Cursor != nil {
		c := *p.Cursor
		d.Cursor = &c
	}
	if p.Selection != nil {
		s := *p.Selection
		d.Selection = &s
	}
	if p.View != nil {
		v := *p.View
		d.View = &v
	}
	if p.LastActive != 0 {
		d.LastActive = &p.LastActive
	}
	return d
}

type Change struct {
	Joined           bool
	CursorMoved      bool
	SelectionChanged bool
	ViewChanged      bool
}

type SnapshotChanges struct {
	Joined []string
	Left   []string
}

type Table struct {
	localID string
	rng     *rand.Rand

	order []string
	byID  map[string]*model.Participant
	// picked marks colors drawn locally; the first color a participant
	// announces itself replaces them.
	picked map[string]bool
}

func NewTable(localID string, seed int64) *Table {
	return &Table{
		localID: localID,
		rng:     rand.New(rand.NewSource(seed)),
		byID:    make(map[string]*model.Participant),
		picked:  make(map[string]bool),
	}
}

// PickColor draws a palette color by pseudo-random index.
func (t *Table) PickColor() string {
	return Palette[t.rng.Intn(len(Palette))]
}

// ApplySnapshot replaces the table with list, in list order. Participants
// already known keep their color unless it was picked locally. The local
// participant is kept even when the snapshot does not carry it yet.
func (t *Table) ApplySnapshot(list []model.Participant) SnapshotChanges {
	var changes SnapshotChanges

	nextOrder := make([]string, 0, len(list)+1)
	nextByID := make(map[string]*model.Participant, len(list)+1)
	for _, in := range list {
		if in.ID == "" {
			continue
		}
		if _, dup := nextByID[in.ID]; dup {
			continue
		}
		p := in.Clone()
		if prev, ok := t.byID[in.ID]; ok {
			p.Color = t.mergeColor(p.ID, prev.Color, in.Color)
		} else {
			changes.Joined = append(changes.Joined, in.ID)
			p.Color = t.mergeColor(p.ID, "", in.Color)
		}
		nextOrder = append(nextOrder, p.ID)
		nextByID[p.ID] = &p
	}

	if local, ok := t.byID[t.localID]; ok {
		if _, seen := nextByID[t.localID]; !seen {
			nextOrder = append(nextOrder, t.localID)
			nextByID[t.localID] = local
		}
	}

	for _, id := range t.order {
		if _, ok := nextByID[id]; !ok {
			changes.Left = append(changes.Left, id)
			delete(t.picked, id)
		}
	}

	t.order = nextOrder
	t.byID = nextByID
	return changes
}

// ApplyDelta merges d into participant id. An unseen id is an implicit join
// and is appended at the end of the order.
func (t *Table) ApplyDelta(id string, d Delta) (model.Participant, Change) {
	var change Change
	p, ok := t.byID[id]
	if !ok {
		p = &model.Participant{ID: id, Online: true}
		t.byID[id] = p
		t.order = append(t.order, id)
		change.Joined = true
	}

	if d.Name != nil {
		p.Name = *d.Name
	}
	if d.Email != nil {
		p.Email = *d.Email
	}
	if d.AvatarURL != nil {
		p.AvatarURL = *d.AvatarURL
	}
	var announced string
	if d.Color != nil {
		announced = *d.Color
	}
	p.Color = t.mergeColor(id, p.Color, announced)
	if d.Cursor != nil {
		if p.Cursor == nil || p.Cursor.X != d.Cursor.X || p.Cursor.Y != d.Cursor.Y {
			change.CursorMoved = true
		}
		c := *d.Cursor
		p.Cursor = &c
	}
	if d.Selection != nil {
		if p.Selection == nil || p.Selection.Start != d.Selection.Start ||
			p.Selection.End != d.Selection.End || p.Selection.BlockID != d.Selection.BlockID {
			change.SelectionChanged = true
		}
		s := *d.Selection
		p.Selection = &s
	}
	if d.View != nil {
		if p.View == nil || p.View.BlockID != d.View.BlockID ||
			p.View.Page != d.View.Page || p.View.Position != d.View.Position {
			change.ViewChanged = true
		}
		v := *d.View
		p.View = &v
	}
	if d.Online != nil {
		p.Online = *d.Online
	}
	if d.LastActive != nil && *d.LastActive > p.LastActive {
		p.LastActive = *d.LastActive
	}
	return p.Clone(), change
}

// mergeColor settles the color of participant id. A color already settled
// stays; a locally picked one gives way to the first announced color.
func (t *Table) mergeColor(id, current, announced string) string {
	switch {
	case current != "" && !t.picked[id]:
		return current
	case announced != "":
		delete(t.picked, id)
		return announced
	case current != "":
		return current
	}
	t.picked[id] = true
	return t.PickColor()
}

// Remove drops participant id. It reports whether the id was present.
func (t *Table) Remove(id string) bool {
	if _, ok := t.byID[id]; !ok {
		return false
	}
	delete(t.byID, id)
	delete(t.picked, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Sweep removes remote participants whose last activity is older than ttl
// and returns their ids. The local participant is never swept.
func (t *Table) Sweep(now time.Time, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	cutoff := now.Add(-ttl).UnixMilli()
	var evicted []string
	for _, id := range append([]string(nil), t.order...) {
		if id == t.localID {
			continue
		}
		if p := t.byID[id]; p.LastActive != 0 && p.LastActive < cutoff {
			t.Remove(id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (t *Table) Get(id string) (model.Participant, bool) {
	p, ok := t.byID[id]
	if !ok {
		return model.Participant{}, false
	}
	return p.Clone(), true
}

func (t *Table) List() []model.Participant {
	out := make([]model.Participant, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id].Clone())
	}
	return out
}

func (t *Table) Len() int { return len(t.order) }
