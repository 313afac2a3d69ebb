package variables_test

import (
	"reflect"
	"testing"

	"github.com/gatecrash/gatecrash/internal/variables"
)

func TestStoreRoundTrip(t *testing.T) {
	s := variables.NewStore()

	if _, ok := s.Get("missing"); ok {
		t.Fatal("empty store reported a value")
	}

	s.Set("token", "abc")
	s.SetAll(map[string]string{"user": "u1", "token": "xyz"})

	if got, _ := s.Get("token"); got != "xyz" {
		t.Fatalf("token = %q, want xyz", got)
	}

	all := s.GetAll()
	all["token"] = "mutated"
	if got, _ := s.Get("token"); got != "xyz" {
		t.Fatal("GetAll must return a copy")
	}
}

func TestMergeStoreWins(t *testing.T) {
	s := variables.NewStore()
	s.Set("who", "store")

	got := s.Merge(map[string]string{"who": "record", "extra": "1"})
	want := map[string]string{"who": "store", "extra": "1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merge = %v, want %v", got, want)
	}
}

func TestKeysSorted(t *testing.T) {
	got := variables.Keys(map[string]string{"b": "2", "a": "1", "c": "3"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
}
