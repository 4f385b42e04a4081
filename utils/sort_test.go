package utils

import "testing"

func TestCompareLexiconumerical(t *testing.T) {
	cases := []struct {
		a, b string
		sign int
	}{
		{"a", "b", -1},
		{"b", "a", 1},
		{"1", "2", -1},
		{"frame-5", "frame-23", -1},
		{"frame-23", "frame-5", 1},
		{"slide-9.png", "slide-10.png", -1},
		{"slide-2.png", "slide-2.png", 0},
		{"slide", "slide-2", -1},
	}

	for _, c := range cases {
		got := CompareLexiconumerical(c.a, c.b)

		switch {
		case c.sign == 0 && got != 0:
			t.Errorf("Compare(%q, %q) = %d, want 0", c.a, c.b, got)
		case c.sign < 0 && got >= 0:
			t.Errorf("Compare(%q, %q) = %d, want negative", c.a, c.b, got)
		case c.sign > 0 && got <= 0:
			t.Errorf("Compare(%q, %q) = %d, want positive", c.a, c.b, got)
		}
	}
}
