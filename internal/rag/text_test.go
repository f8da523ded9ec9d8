package rag

import (
	"slices"
	"testing"
)

func TestTokenize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"Hello, World!", []string{"hello", "world"}},
		{"max_tokens=4000", []string{"max_tokens", "4000"}},
		{"Übergröße café", []string{"übergröße", "café"}},
	}
	for _, tc := range cases {
		got := Tokenize(tc.in)
		if !slices.Equal(got, tc.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTerms_DropsStopwords(t *testing.T) {
	t.Parallel()

	got := Terms("How is the memory budget enforced?")
	want := []string{"memory", "budget", "enforced"}
	if !slices.Equal(got, want) {
		t.Errorf("Terms = %v, want %v", got, want)
	}
}
