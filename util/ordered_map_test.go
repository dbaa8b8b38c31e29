package util

import (
	"reflect"
	"testing"
)

func TestOrderedMapKeepsInsertionOrder(t *testing.T) {
	m := NewOrderedMap[string, int]()
	m.Set("b", 1)
	m.Set("a", 2)
	m.Set("c", 3)
	m.Set("a", 20)
	if got := m.Keys(); !reflect.DeepEqual(got, []string{"b", "a", "c"}) {
		t.Fatalf("unexpected keys: %v", got)
	}
	if v, ok := m.Get("a"); !ok || v != 20 {
		t.Fatalf("unexpected value for a: %d %v", v, ok)
	}
	if !m.Delete("b") {
		t.Fatalf("expected delete to report removal")
	}
	if got := m.Values(); !reflect.DeepEqual(got, []int{20, 3}) {
		t.Fatalf("unexpected values: %v", got)
	}
	if v, _ := m.Get("c"); v != 3 {
		t.Fatalf("index not rebuilt after delete: %d", v)
	}
}

func TestOrderedMapZeroValueUsable(t *testing.T) {
	var m OrderedMap[int, string]
	m.Set(1, "x")
	if !m.Has(1) || m.Len() != 1 {
		t.Fatalf("zero value map not usable")
	}
	seen := 0
	m.Range(func(int, string) bool { seen++; return false })
	if seen != 1 {
		t.Fatalf("unexpected range count: %d", seen)
	}
}

func TestBuildInfoMentionsVersion(t *testing.T) {
	old := ProgramVersionName
	defer func() { ProgramVersionName = old }()
	ProgramVersionName = "  "
	if VersionName() != "subsync/dev" {
		t.Fatalf("unexpected fallback version: %q", VersionName())
	}
}
