package profile

import (
	"errors"
	"testing"
)

func TestCreateListDefault(t *testing.T) {
	s := NewStore(t.TempDir())

	// The first profile becomes the default automatically.
	if err := s.Create(Profile{Name: "work", Adapter: "claude"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	def, err := s.GetDefault()
	if err != nil || def.Name != "work" {
		t.Fatalf("default = %+v, err = %v", def, err)
	}

	if err := s.Create(Profile{Name: "play", Adapter: "aider"}); err != nil {
		t.Fatalf("create second: %v", err)
	}
	profiles, err := s.List()
	if err != nil || len(profiles) != 2 {
		t.Fatalf("list: %v (%d)", err, len(profiles))
	}

	// Exactly one default at a time.
	if err := s.SetDefault("play"); err != nil {
		t.Fatalf("set-default: %v", err)
	}
	defaults := 0
	profiles, _ = s.List()
	for _, p := range profiles {
		if p.Default {
			defaults++
			if p.Name != "play" {
				t.Fatalf("wrong default: %s", p.Name)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("default count = %d, want 1", defaults)
	}
}

func TestDeletePromotesNewDefault(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Create(Profile{Name: "a"})
	s.Create(Profile{Name: "b"})

	if err := s.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	def, err := s.GetDefault()
	if err != nil || def.Name != "b" {
		t.Fatalf("default after delete = %+v, err = %v", def, err)
	}
	if err := s.Delete("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestGetUnknown(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
