package rules_test

import (
	"reflect"
	"testing"

	"netsense/internal/rules"
)

func TestNew_NormalizesAndDedups(t *testing.T) {
	s := rules.New([]string{"https://Example.com/API", "example.com/api", "  ", "example.com/v2"})
	want := []string{"example.com/api", "example.com/v2"}
	if got := s.Prefixes(); !reflect.DeepEqual(got, want) {
		t.Errorf("prefixes = %v, want %v", got, want)
	}
	if s.Len() != 2 || s.Empty() {
		t.Errorf("len = %d empty = %v", s.Len(), s.Empty())
	}
}

func TestSet_MatchReturnsEveryPrefix(t *testing.T) {
	s := rules.New([]string{"example.com/api", "example.com/api/users", "example.com/static"})

	tests := []struct {
		url  string
		want []string
	}{
		{"https://example.com/api/users/7", []string{"example.com/api", "example.com/api/users"}},
		{"HTTP://EXAMPLE.COM/API/orders", []string{"example.com/api"}},
		{"https://example.com/other", nil},
		{"https://cdn.example.com/api", nil},
	}
	for _, tt := range tests {
		if got := s.Match(tt.url); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Match(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestSet_NilAndEmpty(t *testing.T) {
	var s *rules.Set
	if !s.Empty() || s.Match("https://example.com") != nil || s.Prefixes() != nil {
		t.Error("nil set must behave as empty")
	}
	if !rules.New(nil).Equal(s) {
		t.Error("empty sets must be equal")
	}
}

func TestSet_EqualIgnoresOrder(t *testing.T) {
	a := rules.New([]string{"a.com/x", "a.com/y"})
	b := rules.New([]string{"a.com/y", "https://a.com/x"})
	if !a.Equal(b) {
		t.Error("sets should be equal")
	}
	if a.Equal(rules.New([]string{"a.com/x"})) {
		t.Error("sets should differ")
	}
}
