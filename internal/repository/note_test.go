package repository

import "testing"

func TestPrefixTSQuery(t *testing.T) {
	cases := []struct {
		query string
		want  string
	}{
		{"dragon", "dragon:*"},
		{"the dragon's lair", "the:* & dragons:* & lair:*"},
		{"  ", ""},
		{"", ""},
	}
	for _, c := range cases {
		got := prefixTSQuery(c.query)
		if got != c.want {
			t.Errorf("prefixTSQuery(%q) = %q, want %q", c.query, got, c.want)
		}
	}
}

func TestSortColumn_RelevanceWithoutQueryFallsBackToCreatedAt(t *testing.T) {
	if got := sortColumn("relevance", ""); got != "created_at" {
		t.Errorf("sortColumn(relevance, \"\") = %q, want created_at", got)
	}
}

func TestSortColumn_UnknownKeyFallsBackToCreatedAt(t *testing.T) {
	if got := sortColumn("bogus", ""); got != "created_at" {
		t.Errorf("sortColumn(bogus) = %q, want created_at", got)
	}
}
