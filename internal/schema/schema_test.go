package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"gopkg.in/yaml.v3"
)

func sampleTree() Tree {
	return Tree{Sections: []Section{
		{Name: "cvu", Elements: []Node{
			{Name: "A", Children: []Node{{Name: "B"}, {Name: "C"}}},
			{Name: "Address", Children: []Node{{Name: "Street"}, {Name: "Country"}}},
		}},
		{Name: "jobs", Elements: []Node{
			{Name: "Employer", Children: []Node{
				{Name: "Address", Children: []Node{{Name: "Street"}, {Name: "Country"}}},
			}},
		}},
	}}
}

func TestIdentifyIsStable(t *testing.T) {
	node := Node{Name: "B"}
	path := Path{"cvu", "A"}
	first := Identify(node, path)
	second := Identify(node, path)
	if first != second {
		t.Fatalf("Identify() not stable: %q != %q", first, second)
	}
	if first != "cvu_A_B" {
		t.Fatalf("Identify() = %q, want cvu_A_B", first)
	}
}

func TestIdentifyDistinguishesBranches(t *testing.T) {
	street := Node{Name: "Street"}
	home := Identify(street, Path{"cvu", "Address"})
	work := Identify(street, Path{"jobs", "Employer", "Address"})
	if home == work {
		t.Fatalf("same name under different parents collided: %q", home)
	}
}

func TestPathChildDoesNotAlias(t *testing.T) {
	base := make(Path, 1, 8)
	base[0] = "cvu"
	a := base.Child("A")
	b := base.Child("B")
	if a[1] != "A" || b[1] != "B" {
		t.Fatalf("Child() aliased backing array: %v %v", a, b)
	}
}

func TestParsePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "cvu/A", want: "cvu_A"},
		{in: "/cvu/A/", want: "cvu_A"},
		{in: " cvu // A ", want: "cvu_A"},
		{in: "", want: ""},
	}
	for _, tc := range cases {
		if got := ParsePath(tc.in).ID(); got != tc.want {
			t.Errorf("ParsePath(%q).ID() = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWalkIsPreOrder(t *testing.T) {
	var ids []string
	sampleTree().Walk(func(pos Position) {
		ids = append(ids, pos.ID)
	})
	want := []string{
		"cvu_A", "cvu_A_B", "cvu_A_C",
		"cvu_Address", "cvu_Address_Street", "cvu_Address_Country",
		"jobs_Employer", "jobs_Employer_Address", "jobs_Employer_Address_Street", "jobs_Employer_Address_Country",
	}
	if len(ids) != len(want) {
		t.Fatalf("Walk() visited %d nodes, want %d: %v", len(ids), len(want), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("Walk()[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestNewIndexDetectsRepeatedSiblings(t *testing.T) {
	tree := Tree{Sections: []Section{{Name: "cvu", Elements: []Node{{Name: "A"}, {Name: "A"}}}}}
	_, err := NewIndex(tree)
	if !errors.Is(err, ErrIdentityCollision) {
		t.Fatalf("NewIndex() error = %v, want ErrIdentityCollision", err)
	}
}

func TestNewIndexDetectsSeparatorCollision(t *testing.T) {
	tree := Tree{Sections: []Section{{Name: "cvu", Elements: []Node{
		{Name: "A_B"},
		{Name: "A", Children: []Node{{Name: "B"}}},
	}}}}
	_, err := NewIndex(tree)
	var collision *CollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("NewIndex() error = %v, want *CollisionError", err)
	}
	if collision.ID != "cvu_A_B" {
		t.Fatalf("collision ID = %q", collision.ID)
	}
}

func TestIndexScope(t *testing.T) {
	ix, err := NewIndex(sampleTree())
	if err != nil {
		t.Fatalf("NewIndex() error = %v", err)
	}
	if ix.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", ix.Len())
	}

	top, ok := ix.Scope(Path{"cvu"})
	if !ok || len(top) != 2 || top[0].ID != "cvu_A" || top[1].ID != "cvu_Address" {
		t.Fatalf("Scope(cvu) = %+v, %v", top, ok)
	}

	nested, ok := ix.Scope(Path{"jobs", "Employer", "Address"})
	if !ok || len(nested) != 2 || nested[0].ID != "jobs_Employer_Address_Street" {
		t.Fatalf("Scope(jobs/Employer/Address) = %+v, %v", nested, ok)
	}

	if _, ok := ix.Scope(Path{"missing"}); ok {
		t.Fatal("expected unknown section scope to fail")
	}
}

func TestIndexDescendants(t *testing.T) {
	ix, err := NewIndex(sampleTree())
	if err != nil {
		t.Fatalf("NewIndex() error = %v", err)
	}
	pos, ok := ix.Lookup("jobs_Employer")
	if !ok {
		t.Fatal("Lookup(jobs_Employer) failed")
	}
	descendants := ix.Descendants(pos)
	if len(descendants) != 3 || CountDescendants(*pos.Node) != 3 {
		t.Fatalf("Descendants() = %d, CountDescendants() = %d", len(descendants), CountDescendants(*pos.Node))
	}
}

func TestTreeJSONKeepsSectionOrder(t *testing.T) {
	raw := []byte(`{"zeta":[{"name":"Z"}],"alpha":[{"name":"A","children":[{"name":"B"}]}]}`)
	var tree Tree
	if err := json.Unmarshal(raw, &tree); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	names := tree.SectionNames()
	if len(names) != 2 || names[0] != "zeta" || names[1] != "alpha" {
		t.Fatalf("SectionNames() = %v", names)
	}

	encoded, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(encoded) != `{"zeta":[{"name":"Z"}],"alpha":[{"name":"A","children":[{"name":"B"}]}]}` {
		t.Fatalf("Marshal() = %s", encoded)
	}
}

func TestTreeJSONAcceptsSectionArray(t *testing.T) {
	raw := []byte(`[{"name":"cvu","elements":[{"name":"A"}]}]`)
	var tree Tree
	if err := json.Unmarshal(raw, &tree); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if section, ok := tree.Section("cvu"); !ok || len(section.Elements) != 1 {
		t.Fatalf("unexpected tree: %+v", tree)
	}
}

func TestTreeYAML(t *testing.T) {
	raw := []byte(`
cvu:
  - name: A
    minOccurs: "0"
    children:
      - name: B
      - name: C
personal:
  - name: Email
`)
	var tree Tree
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	if names := tree.SectionNames(); len(names) != 2 || names[0] != "cvu" || names[1] != "personal" {
		t.Fatalf("SectionNames() = %v", names)
	}
	section, _ := tree.Section("cvu")
	if section.Elements[0].MinOccurs != "0" || len(section.Elements[0].Children) != 2 {
		t.Fatalf("unexpected section: %+v", section)
	}

	encoded, err := yaml.Marshal(tree)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	var again Tree
	if err := yaml.Unmarshal(encoded, &again); err != nil {
		t.Fatalf("yaml.Unmarshal(round trip) error = %v", err)
	}
	if names := again.SectionNames(); len(names) != 2 || names[0] != "cvu" {
		t.Fatalf("round trip SectionNames() = %v", names)
	}
}

func TestWithoutChildrenLeavesTreeIntact(t *testing.T) {
	node := Node{Name: "A", Children: []Node{{Name: "B"}}}
	bare := node.WithoutChildren()
	if bare.HasChildren() {
		t.Fatal("WithoutChildren() kept children")
	}
	if !node.HasChildren() {
		t.Fatal("WithoutChildren() mutated the original")
	}
}
