// Package urlrank deduplicates, scores and orders candidate URLs discovered
// during a research session.
package urlrank

import (
	"net/url"
	"sort"
	"strings"
)

// VisitState tracks the lifecycle of a candidate URL.
type VisitState string

const (
	StateUnseen  VisitState = "unseen"
	StateQueued  VisitState = "queued"
	StateVisited VisitState = "visited"
	StateFailed  VisitState = "failed"
)

// Record is one candidate URL keyed by its canonical form.
type Record struct {
	URL         string
	Title       string
	Snippet     string
	PublishedAt string
	SourceStep  int
	State       VisitState
	Frequency   int
	RerankScore float64
	BoostScore  float64
	Content     string
	LastError   string
}

// Weights configures the scoring formula.
type Weights struct {
	Frequency float64
	Hostname  float64
	Path      float64
	Reranker  float64
	// BadHostPenalty is subtracted once for hosts on the bad list or hosts
	// that failed repeatedly.
	BadHostPenalty float64
}

// DefaultWeights mirror the behavior of frequency-dominated ranking with a
// moderate reranker contribution.
func DefaultWeights() Weights {
	return Weights{
		Frequency:      1.0,
		Hostname:       2.0,
		Path:           0.5,
		Reranker:       1.5,
		BadHostPenalty: 10.0,
	}
}

// Options gates and biases scoring by caller-supplied hostname lists.
type Options struct {
	Weights        Weights
	BoostHostnames []string
	BadHostnames   []string
	OnlyHostnames  []string
	// FailedHostDemotionAfter demotes a host once it accumulates this many
	// fetch failures. Zero disables demotion.
	FailedHostDemotionAfter int
}

// Ranker owns the candidate URL set for one session. Single writer; no
// internal locking.
type Ranker struct {
	opts        Options
	records     map[string]*Record
	hostFails   map[string]int
	boostHosts  map[string]bool
	badHosts    map[string]bool
	onlyHosts   map[string]bool
}

// NewRanker creates a ranker. Zero-valued weights fall back to defaults.
func NewRanker(opts Options) *Ranker {
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	if opts.FailedHostDemotionAfter == 0 {
		opts.FailedHostDemotionAfter = 2
	}
	return &Ranker{
		opts:       opts,
		records:    make(map[string]*Record),
		hostFails:  make(map[string]int),
		boostHosts: hostSet(opts.BoostHostnames),
		badHosts:   hostSet(opts.BadHostnames),
		onlyHosts:  hostSet(opts.OnlyHostnames),
	}
}

func hostSet(hosts []string) map[string]bool {
	m := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			m[h] = true
		}
	}
	return m
}

// trackingParams are query parameters stripped during canonicalization.
var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true, "gclid": true, "fbclid": true,
	"ref": true, "ref_src": true, "mc_cid": true, "mc_eid": true,
}

// Canonicalize normalizes a URL for dedup: lowercased host, fragment
// stripped, tracking parameters removed, trailing slash normalized. Returns
// "" for unusable input.
func Canonicalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Host == "" {
		return ""
	}
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)

	q := u.Query()
	for param := range q {
		if trackingParams[strings.ToLower(param)] {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()

	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}

// Add merges a discovered URL into the set and returns the canonical key,
// or "" if the URL is unusable or gated out by the only-hostnames list.
// Repeated adds of the same canonical URL bump its frequency.
func (r *Ranker) Add(rawURL, title, snippet, publishedAt string, rerankScore float64, sourceStep int) string {
	key := Canonicalize(rawURL)
	if key == "" {
		return ""
	}
	host := hostOf(key)
	if len(r.onlyHosts) > 0 && !r.hostAllowed(host) {
		return ""
	}
	rec, ok := r.records[key]
	if !ok {
		rec = &Record{
			URL:        key,
			State:      StateUnseen,
			SourceStep: sourceStep,
		}
		r.records[key] = rec
	}
	rec.Frequency++
	if title != "" {
		rec.Title = title
	}
	if snippet != "" && len(snippet) > len(rec.Snippet) {
		rec.Snippet = snippet
	}
	if publishedAt != "" {
		rec.PublishedAt = publishedAt
	}
	if rerankScore > rec.RerankScore {
		rec.RerankScore = rerankScore
	}
	return key
}

func (r *Ranker) hostAllowed(host string) bool {
	for only := range r.onlyHosts {
		if host == only || strings.HasSuffix(host, "."+only) {
			return true
		}
	}
	return false
}

// Get returns the record for a canonical URL.
func (r *Ranker) Get(canonical string) (*Record, bool) {
	rec, ok := r.records[canonical]
	return rec, ok
}

// MarkQueued transitions an unseen URL to queued.
func (r *Ranker) MarkQueued(canonical string) {
	if rec, ok := r.records[canonical]; ok && rec.State == StateUnseen {
		rec.State = StateQueued
	}
}

// MarkVisited records extracted content for a URL and transitions it to
// visited.
func (r *Ranker) MarkVisited(canonical, title, content, publishedAt string) {
	rec, ok := r.records[canonical]
	if !ok {
		rec = &Record{URL: canonical, Frequency: 1}
		r.records[canonical] = rec
	}
	rec.State = StateVisited
	rec.Content = content
	if title != "" {
		rec.Title = title
	}
	if publishedAt != "" {
		rec.PublishedAt = publishedAt
	}
}

// MarkFailed records a fetch failure, demoting the host after repeated
// failures.
func (r *Ranker) MarkFailed(canonical, reason string) {
	rec, ok := r.records[canonical]
	if !ok {
		return
	}
	rec.State = StateFailed
	rec.LastError = reason
	host := hostOf(canonical)
	r.hostFails[host]++
}

func hostOf(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func (r *Ranker) hostDemoted(host string) bool {
	return r.opts.FailedHostDemotionAfter > 0 &&
		r.hostFails[host] >= r.opts.FailedHostDemotionAfter
}

// Score computes the rank score of a record.
func (r *Ranker) Score(rec *Record) float64 {
	w := r.opts.Weights
	host := hostOf(rec.URL)

	hostBoost := 0.0
	if r.boostHosts[host] {
		hostBoost = 1.0
	} else {
		for boost := range r.boostHosts {
			if strings.HasSuffix(host, "."+boost) {
				hostBoost = 1.0
				break
			}
		}
	}

	pathBoost := 0.0
	if u, err := url.Parse(rec.URL); err == nil {
		depth := strings.Count(strings.Trim(u.Path, "/"), "/")
		// Shallow paths tend to be hub pages; slight preference.
		pathBoost = 1.0 / float64(depth+1)
	}

	score := float64(rec.Frequency)*w.Frequency +
		hostBoost*w.Hostname +
		pathBoost*w.Path +
		rec.RerankScore*w.Reranker +
		rec.BoostScore

	if r.badHosts[host] || r.hostDemoted(host) {
		score -= w.BadHostPenalty
	}
	return score
}

// SortSelect returns the top-k unvisited candidates by descending score.
// Ties break on canonical URL so identical inputs produce identical order.
func (r *Ranker) SortSelect(k int) []*Record {
	var unvisited []*Record
	for _, rec := range r.records {
		if rec.State == StateUnseen || rec.State == StateQueued {
			unvisited = append(unvisited, rec)
		}
	}
	sort.Slice(unvisited, func(i, j int) bool {
		si, sj := r.Score(unvisited[i]), r.Score(unvisited[j])
		if si != sj {
			return si > sj
		}
		return unvisited[i].URL < unvisited[j].URL
	})
	if k > 0 && len(unvisited) > k {
		unvisited = unvisited[:k]
	}
	return unvisited
}

// SelectPerHost returns the top-k unvisited candidates keeping at most
// perHost entries for any single hostname.
func (r *Ranker) SelectPerHost(k, perHost int) []*Record {
	ranked := r.SortSelect(0)
	if perHost <= 0 {
		perHost = 2
	}
	seen := make(map[string]int)
	var out []*Record
	for _, rec := range ranked {
		host := hostOf(rec.URL)
		if seen[host] >= perHost {
			continue
		}
		seen[host]++
		out = append(out, rec)
		if k > 0 && len(out) >= k {
			break
		}
	}
	return out
}

// Visited returns canonical URLs in visited state, sorted.
func (r *Ranker) Visited() []string {
	return r.byState(StateVisited)
}

// Failed returns canonical URLs in failed state, sorted.
func (r *Ranker) Failed() []string {
	return r.byState(StateFailed)
}

// All returns every known canonical URL, sorted.
func (r *Ranker) All() []string {
	out := make([]string, 0, len(r.records))
	for u := range r.records {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (r *Ranker) byState(state VisitState) []string {
	var out []string
	for u, rec := range r.records {
		if rec.State == state {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of known URLs.
func (r *Ranker) Len() int { return len(r.records) }
