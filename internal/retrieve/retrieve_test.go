package retrieve

import "testing"

func TestNormalizedCacheQuery(t *testing.T) {
	cases := map[string]string{
		"  Hello World  ": "hello world",
		"ALREADY LOWER":   "already lower",
		"":                "",
	}
	for in, want := range cases {
		if got := normalizedCacheQuery(in); got != want {
			t.Errorf("normalizedCacheQuery(%q) = %q, want %q", in, got, want)
		}
	}
}
