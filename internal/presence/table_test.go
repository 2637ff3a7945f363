package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabsync/internal/model"
)

func ids(list []model.Participant) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.ID)
	}
	return out
}

func TestTable_SnapshotDeltaRemove(t *testing.T) {
	tbl := NewTable("me", 1)

	changes := tbl.ApplySnapshot([]model.Participant{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	require.Equal(t, []string{"a", "b", "c"}, changes.Joined)
	require.Len(t, tbl.List(), 3)

	_, change := tbl.ApplyDelta("d", Delta{})
	require.True(t, change.Joined)
	require.Equal(t, []string{"a", "b", "c", "d"}, ids(tbl.List()))

	require.True(t, tbl.Remove("b"))
	require.Equal(t, []string{"a", "c", "d"}, ids(tbl.List()))
	require.False(t, tbl.Remove("b"))
}

func TestTable_DeltaLeavesAbsentFieldsAndPosition(t *testing.T) {
	tbl := NewTable("me", 1)
	tbl.ApplySnapshot([]model.Participant{
		{ID: "a", Name: "Ada", Cursor: &model.Cursor{X: 1, Y: 1}},
		{ID: "b", Name: "Bob"},
	})

	p, change := tbl.ApplyDelta("a", Delta{Selection: &model.Selection{Start: 1, End: 4, BlockID: "b1"}})
	require.False(t, change.Joined)
	require.True(t, change.SelectionChanged)
	require.False(t, change.CursorMoved)
	require.Equal(t, "Ada", p.Name)
	require.NotNil(t, p.Cursor)
	require.Equal(t, float64(1), p.Cursor.X)
	require.Equal(t, []string{"a", "b"}, ids(tbl.List()))

	_, change = tbl.ApplyDelta("a", Delta{Cursor: &model.Cursor{X: 1, Y: 1, TS: 9}})
	require.False(t, change.CursorMoved, "same position is not a move")
}

func TestTable_ColorStableAcrossSnapshots(t *testing.T) {
	tbl := NewTable("me", 42)
	tbl.ApplySnapshot([]model.Participant{{ID: "a"}})
	first, _ := tbl.Get("a")
	require.Contains(t, Palette, first.Color)

	changes := tbl.ApplySnapshot([]model.Participant{{ID: "a"}})
	require.Empty(t, changes.Joined)
	again, _ := tbl.Get("a")
	require.Equal(t, first.Color, again.Color)

	tbl.ApplySnapshot([]model.Participant{{ID: "b", Color: "#000000"}, {ID: "a"}})
	tbl.ApplySnapshot([]model.Participant{{ID: "b", Color: "#111111"}, {ID: "a"}})
	b, _ := tbl.Get("b")
	require.Equal(t, "#000000", b.Color)
}

func TestTable_AnnouncedColorReplacesPickedOnce(t *testing.T) {
	tbl := NewTable("me", 7)
	_, change := tbl.ApplyDelta("a", Delta{})
	require.True(t, change.Joined)
	picked, _ := tbl.Get("a")
	require.Contains(t, Palette, picked.Color)

	p, _ := tbl.ApplyDelta("a", Delta{Color: strPtr("#000000")})
	require.Equal(t, "#000000", p.Color)

	p, _ = tbl.ApplyDelta("a", Delta{Color: strPtr("#ffffff")})
	require.Equal(t, "#000000", p.Color, "announced color is settled")

	tbl.ApplySnapshot([]model.Participant{{ID: "c"}})
	tbl.ApplySnapshot([]model.Participant{{ID: "c", Color: "#222222"}})
	c, _ := tbl.Get("c")
	require.Equal(t, "#222222", c.Color)
}

func TestTable_ViewChanges(t *testing.T) {
	tbl := NewTable("me", 1)
	p, change := tbl.ApplyDelta("a", Delta{View: &model.View{BlockID: "b1", Page: 2, Position: 0.5, TS: 1}})
	require.True(t, change.ViewChanged)
	require.Equal(t, 2, p.View.Page)

	_, change = tbl.ApplyDelta("a", Delta{View: &model.View{BlockID: "b1", Page: 2, Position: 0.5, TS: 9}})
	require.False(t, change.ViewChanged, "same viewport is not a change")

	_, change = tbl.ApplyDelta("a", Delta{Name: strPtr("Ada")})
	require.False(t, change.ViewChanged)
	p, _ = tbl.Get("a")
	require.Equal(t, "b1", p.View.BlockID)
}

func TestTable_SnapshotReportsLeftAndKeepsLocal(t *testing.T) {
	tbl := NewTable("me", 1)
	tbl.ApplyDelta("me", Delta{Name: strPtr("Me")})
	tbl.ApplySnapshot([]model.Participant{{ID: "a"}, {ID: "me"}, {ID: "b"}})

	changes := tbl.ApplySnapshot([]model.Participant{{ID: "b"}})
	require.Equal(t, []string{"a"}, changes.Left)
	require.Equal(t, []string{"b", "me"}, ids(tbl.List()))
}

func TestTable_SnapshotReturnsCopies(t *testing.T) {
	tbl := NewTable("me", 1)
	tbl.ApplySnapshot([]model.Participant{{ID: "a", Cursor: &model.Cursor{X: 1}}})
	list := tbl.List()
	list[0].Cursor.X = 99
	p, _ := tbl.Get("a")
	require.Equal(t, float64(1), p.Cursor.X)
}

func TestTable_Sweep(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	tbl := NewTable("me", 1)
	old := now.Add(-2 * time.Minute).UnixMilli()
	fresh := now.Add(-10 * time.Second).UnixMilli()
	tbl.ApplySnapshot([]model.Participant{
		{ID: "stale", LastActive: old},
		{ID: "fresh", LastActive: fresh},
		{ID: "me", LastActive: old},
	})

	evicted := tbl.Sweep(now, 90*time.Second)
	require.Equal(t, []string{"stale"}, evicted)
	require.Equal(t, []string{"fresh", "me"}, ids(tbl.List()))
}

func strPtr(s string) *string { return &s }
