// Completion: 100% - Profile parse/write/merge tests complete
package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSplitFdataLine(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"1 main 12 1 main 40 0 100", []string{"1", "main", "12", "1", "main", "40", "0", "100"}},
		{`1 symb\ with\ space 1f 1 other 0 0 2`, []string{"1", "symb with space", "1f", "1", "other", "0", "0", "2"}},
		{`4 back\\slash ff 7`, []string{"4", `back\slash`, "ff", "7"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
	}
	for _, tt := range tests {
		got := splitFdataLine(tt.line)
		if len(got) != len(tt.want) {
			t.Errorf("splitFdataLine(%q) = %q, want %q", tt.line, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("splitFdataLine(%q)[%d] = %q, want %q", tt.line, i, got[i], tt.want[i])
			}
		}
	}
}

func TestEscapeFdataName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{"has space", `has\ space`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeFdataName(tt.in); got != tt.want {
			t.Errorf("escapeFdataName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseFdata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.fdata")
	content := "# build-id: deadbeef\n" +
		"1 foo 1f 1 foo 40 3 250\n" +
		"1 foo 2a 1 bar 0 0 12\n" +
		"4 foo 10 99\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := ParseFdata(path)
	if err != nil {
		t.Fatalf("ParseFdata: %v", err)
	}
	if p.BuildID != "deadbeef" {
		t.Errorf("BuildID = %q", p.BuildID)
	}
	if len(p.Branches) != 2 || len(p.Mems) != 1 {
		t.Fatalf("got %d branches, %d mems", len(p.Branches), len(p.Mems))
	}
	b := p.Branches[0]
	if b.FromName != "foo" || b.FromOff != 0x1f || b.ToOff != 0x40 || b.Mispreds != 3 || b.Count != 250 {
		t.Errorf("branch record = %+v", b)
	}
	if p.Mems[0].Off != 0x10 || p.Mems[0].Count != 99 {
		t.Errorf("mem record = %+v", p.Mems[0])
	}
}

func TestParseFdataRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.fdata")
	if err := os.WriteFile(path, []byte("2 what is this\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseFdata(path); err == nil {
		t.Error("expected an error for an unknown record type")
	}
}

func TestFdataWriteReadRoundTrip(t *testing.T) {
	orig := &ProfileData{
		BuildID: "cafe",
		Branches: []BranchRecord{
			{FromName: "a b", FromOff: 0x10, ToName: "a b", ToOff: 0x20, Mispreds: 1, Count: 7},
			{FromName: `c\d`, FromOff: 0, ToName: "e", ToOff: 0, Count: 3},
		},
		Mems: []MemRecord{{Name: "a b", Off: 0x30, Count: 5}},
	}
	path := filepath.Join(t.TempDir(), "rt.fdata")
	if err := WriteFdata(path, orig); err != nil {
		t.Fatalf("WriteFdata: %v", err)
	}
	got, err := ParseFdata(path)
	if err != nil {
		t.Fatalf("ParseFdata: %v", err)
	}
	if got.BuildID != orig.BuildID {
		t.Errorf("BuildID = %q", got.BuildID)
	}
	if len(got.Branches) != len(orig.Branches) {
		t.Fatalf("got %d branches", len(got.Branches))
	}
	for i := range orig.Branches {
		if got.Branches[i] != orig.Branches[i] {
			t.Errorf("branch %d = %+v, want %+v", i, got.Branches[i], orig.Branches[i])
		}
	}
	if len(got.Mems) != 1 || got.Mems[0] != orig.Mems[0] {
		t.Errorf("mems = %+v", got.Mems)
	}
}

func TestMergeProfiles(t *testing.T) {
	a := &ProfileData{
		BuildID:  "id1",
		Branches: []BranchRecord{{FromName: "f", FromOff: 1, ToName: "f", ToOff: 2, Mispreds: 1, Count: 10}},
		Mems:     []MemRecord{{Name: "f", Off: 4, Count: 2}},
	}
	b := &ProfileData{
		Branches: []BranchRecord{
			{FromName: "f", FromOff: 1, ToName: "f", ToOff: 2, Mispreds: 2, Count: 5},
			{FromName: "g", FromOff: 0, ToName: "h", ToOff: 0, Count: 1},
		},
		Mems: []MemRecord{{Name: "f", Off: 4, Count: 3}},
	}
	m := MergeProfiles([]*ProfileData{a, b})
	if m.BuildID != "id1" {
		t.Errorf("BuildID = %q", m.BuildID)
	}
	if len(m.Branches) != 2 {
		t.Fatalf("got %d branches", len(m.Branches))
	}
	if m.Branches[0].Count != 15 || m.Branches[0].Mispreds != 3 {
		t.Errorf("summed branch = %+v", m.Branches[0])
	}
	if m.Branches[1].FromName != "g" || m.Branches[1].Count != 1 {
		t.Errorf("new branch = %+v", m.Branches[1])
	}
	if len(m.Mems) != 1 || m.Mems[0].Count != 5 {
		t.Errorf("mems = %+v", m.Mems)
	}
}
