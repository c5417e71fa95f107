package urlrank

import "testing"

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://Example.COM/Page/", "https://example.com/Page"},
		{"https://example.com/page#section", "https://example.com/page"},
		{"https://example.com/page?utm_source=x&q=1", "https://example.com/page?q=1"},
		{"https://example.com", "https://example.com/"},
		{"ftp://example.com/file", ""},
		{"not a url", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := Canonicalize(c.in); got != c.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestAdd_DeduplicatesAndCountsFrequency(t *testing.T) {
	r := NewRanker(Options{})
	k1 := r.Add("https://example.com/a", "A", "snippet", "", 0, 1)
	k2 := r.Add("https://EXAMPLE.com/a#frag", "A", "longer snippet", "", 0, 2)
	if k1 != k2 {
		t.Fatalf("expected same canonical key, got %q and %q", k1, k2)
	}
	rec, ok := r.Get(k1)
	if !ok {
		t.Fatal("record missing")
	}
	if rec.Frequency != 2 {
		t.Fatalf("expected frequency 2, got %d", rec.Frequency)
	}
	if rec.Snippet != "longer snippet" {
		t.Fatalf("longer snippet should win, got %q", rec.Snippet)
	}
}

func TestOnlyHostnamesGate(t *testing.T) {
	r := NewRanker(Options{OnlyHostnames: []string{"rust-lang.org"}})
	if k := r.Add("https://doc.rust-lang.org/book/", "", "", "", 0, 1); k == "" {
		t.Fatal("subdomain of allowed host should pass")
	}
	if k := r.Add("https://example.com/x", "", "", "", 0, 1); k != "" {
		t.Fatal("host outside the only list should be rejected")
	}
}

func TestSortSelect_BoostAndPenalty(t *testing.T) {
	r := NewRanker(Options{
		BoostHostnames: []string{"good.org"},
		BadHostnames:   []string{"spam.net"},
	})
	r.Add("https://good.org/page", "", "", "", 0, 1)
	r.Add("https://neutral.io/page", "", "", "", 0, 1)
	r.Add("https://spam.net/page", "", "", "", 0, 1)

	top := r.SortSelect(3)
	if len(top) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(top))
	}
	if hostOf(top[0].URL) != "good.org" {
		t.Fatalf("boosted host should rank first, got %s", top[0].URL)
	}
	if hostOf(top[2].URL) != "spam.net" {
		t.Fatalf("bad host should rank last, got %s", top[2].URL)
	}
}

func TestSortSelect_ExcludesVisitedAndFailed(t *testing.T) {
	r := NewRanker(Options{})
	a := r.Add("https://example.com/a", "", "", "", 0, 1)
	r.Add("https://example.com/b", "", "", "", 0, 1)
	c := r.Add("https://example.com/c", "", "", "", 0, 1)
	r.MarkVisited(a, "", "content", "")
	r.MarkFailed(c, "timeout")

	top := r.SortSelect(10)
	if len(top) != 1 {
		t.Fatalf("expected only the unvisited candidate, got %d", len(top))
	}
	if top[0].URL != "https://example.com/b" {
		t.Fatalf("unexpected candidate %s", top[0].URL)
	}
}

func TestHostDemotionAfterRepeatedFailures(t *testing.T) {
	r := NewRanker(Options{FailedHostDemotionAfter: 2})
	a := r.Add("https://flaky.dev/a", "", "", "", 0, 1)
	b := r.Add("https://flaky.dev/b", "", "", "", 0, 1)
	r.Add("https://stable.dev/x", "", "", "", 0, 1)
	r.MarkFailed(a, "http 500")
	r.MarkFailed(b, "http 500")

	fresh := r.Add("https://flaky.dev/c", "", "", "", 0, 2)
	rec, _ := r.Get(fresh)
	if r.Score(rec) >= 0 {
		t.Fatalf("demoted host should score below zero, got %f", r.Score(rec))
	}

	top := r.SortSelect(1)
	if hostOf(top[0].URL) != "stable.dev" {
		t.Fatalf("stable host should outrank demoted one, got %s", top[0].URL)
	}
}

func TestSelectPerHost_CapsHostEntries(t *testing.T) {
	r := NewRanker(Options{})
	r.Add("https://example.com/1", "", "", "", 0, 1)
	r.Add("https://example.com/2", "", "", "", 0, 1)
	r.Add("https://example.com/3", "", "", "", 0, 1)
	r.Add("https://other.org/1", "", "", "", 0, 1)

	out := r.SelectPerHost(10, 2)
	counts := map[string]int{}
	for _, rec := range out {
		counts[hostOf(rec.URL)]++
	}
	if counts["example.com"] != 2 {
		t.Fatalf("expected 2 entries for example.com, got %d", counts["example.com"])
	}
	if counts["other.org"] != 1 {
		t.Fatalf("expected 1 entry for other.org, got %d", counts["other.org"])
	}
}

func TestDeterministicOrder(t *testing.T) {
	build := func() []string {
		r := NewRanker(Options{})
		r.Add("https://a.com/x", "", "", "", 0, 1)
		r.Add("https://b.com/x", "", "", "", 0, 1)
		r.Add("https://c.com/x", "", "", "", 0, 1)
		var urls []string
		for _, rec := range r.SortSelect(0) {
			urls = append(urls, rec.URL)
		}
		return urls
	}
	first := build()
	for i := 0; i < 5; i++ {
		next := build()
		for j := range first {
			if first[j] != next[j] {
				t.Fatalf("order not deterministic: %v vs %v", first, next)
			}
		}
	}
}
