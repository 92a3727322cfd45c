package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/ashureev/canvaspilot/internal/action"
	"github.com/ashureev/canvaspilot/internal/domain"
)

func sequentialIDs() Option {
	n := 0
	return WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	})
}

func TestExecutorAgainstDocument(t *testing.T) {
	doc := New(sequentialIDs())
	exec := action.NewExecutor(nil)

	var notified int
	doc.OnChange(func(Snapshot) { notified++ })

	for i := 0; i < 3; i++ {
		if _, err := exec.Apply(action.AddComponent{Type: "Button"}, doc); err != nil {
			t.Fatalf("apply %d failed: %v", i, err)
		}
	}

	snap := doc.Snapshot()
	root := snap.Components[snap.Root]
	if len(root.Children) != 3 || len(root.Layout) != 3 {
		t.Fatalf("expected 3 children and layout entries, got %d/%d", len(root.Children), len(root.Layout))
	}
	for i, id := range root.Children {
		item := root.Layout[id]
		if item.Y != i*5 || item.W != 12 || item.H != 5 {
			t.Errorf("child %d: unexpected layout %+v", i, item)
		}
		if want := fmt.Sprintf("Button%d", i+1); snap.Components[id].Name != want {
			t.Errorf("child %d: expected name %s, got %s", i, want, snap.Components[id].Name)
		}
	}
	if notified != 3 {
		t.Errorf("expected 3 change notifications, got %d", notified)
	}
}

func TestApplyRejectsWithoutPartialCommit(t *testing.T) {
	doc := New(sequentialIDs())
	rootID := doc.Snapshot().Root

	good := action.Mutation{
		ContainerID: rootID,
		Layout:      map[string]domain.LayoutItem{"a": {W: 12, H: 5}},
		Children:    []action.Child{{ID: "a", Type: "Text", Name: "title"}},
	}
	if err := doc.Apply(good); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	tests := []struct {
		name string
		m    action.Mutation
		want error
	}{
		{
			name: "duplicate name",
			m: action.Mutation{
				ContainerID: rootID,
				Layout:      map[string]domain.LayoutItem{"b": {}},
				Children:    []action.Child{{ID: "b", Type: "Text", Name: "title"}},
			},
			want: ErrDuplicateName,
		},
		{
			name: "layout collision",
			m: action.Mutation{
				ContainerID: rootID,
				Layout:      map[string]domain.LayoutItem{"a": {}},
				Children:    []action.Child{{ID: "c", Type: "Text", Name: "other"}},
			},
			want: ErrLayoutCollision,
		},
		{
			name: "unknown container",
			m: action.Mutation{
				ContainerID: "missing",
				Layout:      map[string]domain.LayoutItem{"d": {}},
				Children:    []action.Child{{ID: "d", Type: "Text", Name: "d"}},
			},
			want: ErrNotFound,
		},
		{
			name: "child without layout",
			m: action.Mutation{
				ContainerID: rootID,
				Layout:      map[string]domain.LayoutItem{"e": {}},
				Children:    []action.Child{{ID: "f", Type: "Text", Name: "f"}},
			},
			want: ErrInvalidMutation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := doc.Apply(tt.m); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			root := doc.Snapshot().Components[rootID]
			if len(root.Layout) != 1 || len(root.Children) != 1 {
				t.Fatalf("rejected mutation changed the document: %+v", root)
			}
		})
	}
}

func TestSelectRequiresContainer(t *testing.T) {
	doc := New(sequentialIDs())
	rootID := doc.Snapshot().Root
	err := doc.Apply(action.Mutation{
		ContainerID: rootID,
		Layout: map[string]domain.LayoutItem{
			"form": {}, "label": {},
		},
		Children: []action.Child{
			{ID: "form", Type: "Form", Name: "form1"},
			{ID: "label", Type: "Text", Name: "text1"},
		},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if err := doc.Select("label"); !errors.Is(err, ErrNotContainer) {
		t.Fatalf("expected ErrNotContainer, got %v", err)
	}
	if err := doc.Select("form"); err != nil {
		t.Fatalf("select form failed: %v", err)
	}

	c, err := doc.CurrentContainer()
	if err != nil {
		t.Fatalf("current container: %v", err)
	}
	if c.ID != "form" || len(c.Layout) != 0 {
		t.Fatalf("unexpected current container %+v", c)
	}
}

func TestCurrentContainerLayoutIsCopy(t *testing.T) {
	doc := New(sequentialIDs())
	c, err := doc.CurrentContainer()
	if err != nil {
		t.Fatalf("current container: %v", err)
	}
	c.Layout["intruder"] = domain.LayoutItem{}

	again, _ := doc.CurrentContainer()
	if len(again.Layout) != 0 {
		t.Fatal("caller mutation leaked into the document")
	}
}

func TestGenerateIDSkipsExisting(t *testing.T) {
	ids := []string{"root", "root", "x"}
	doc := New(WithIDGenerator(func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}))

	if got := doc.GenerateID(); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	doc := New(sequentialIDs())
	if _, err := action.NewExecutor(nil).Apply(action.AddComponent{Type: "Card", Props: map[string]any{"title": "Stats"}}, doc); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	restored, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if !restored.NameExists("Card1") {
		t.Fatal("restored document lost the name registry")
	}
	if _, err := action.NewExecutor(nil).Apply(action.AddComponent{Type: "Card"}, restored); err != nil {
		t.Fatalf("apply after restore failed: %v", err)
	}
	if !restored.NameExists("Card2") {
		t.Fatal("expected Card2 after restore")
	}
}

func TestLoadRejectsBadRoot(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
	}{
		{name: "missing root", snap: Snapshot{Root: "nope", Components: map[string]*Component{}}},
		{name: "null root", snap: Snapshot{Root: "r", Components: map[string]*Component{"r": nil}}},
		{name: "leaf root", snap: Snapshot{Root: "b", Components: map[string]*Component{"b": {ID: "b", Type: "Button", Name: "Button1"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := New()
			before := doc.Snapshot().Root
			if err := doc.Load(tt.snap); !errors.Is(err, ErrNotContainer) {
				t.Fatalf("expected ErrNotContainer, got %v", err)
			}
			if doc.Snapshot().Root != before {
				t.Fatal("expected document to be unchanged")
			}
		})
	}
}
