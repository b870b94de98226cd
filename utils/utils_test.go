package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsString(t *testing.T) {
	table := []struct {
		slice  []string
		s      string
		result bool
	}{
		{[]string{"a", "b", "c"}, "b", true},
		{[]string{"a", "b", "c"}, "d", false},
	}

	for _, e := range table {
		if ContainsString(e.slice, e.s) != e.result {
			t.Errorf("ContainsString(%v, %s)", e.slice, e.s)
		}
	}
}

func TestSliceRemoveString(t *testing.T) {
	table := []struct {
		slice  []string
		s      string
		result []string
	}{
		{slice: []string{"a", "b", "c"}, s: "a", result: []string{"b", "c"}},
		{slice: []string{"a", "b", "c"}, s: "d", result: []string{"a", "b", "c"}},
	}

	a := assert.New(t)

	for _, e := range table {
		a.Equal(SliceRemoveString(e.slice, e.s), e.result)
	}
}
