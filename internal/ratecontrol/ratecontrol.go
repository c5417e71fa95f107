// Package ratecontrol provides process-wide, per-vendor token buckets.
// Buckets are shared across research sessions; waiting on one is a
// cancellable suspension.
package ratecontrol

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/jverneuer/deepresearch/internal/metrics"
)

// Limit describes a vendor's request and token throughput ceilings.
type Limit struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

type fileConfig struct {
	RateLimits struct {
		DefaultRPM      int              `yaml:"default_rpm"`
		DefaultTPM      int              `yaml:"default_tpm"`
		VendorOverrides map[string]Limit `yaml:"vendor_overrides"`
	} `yaml:"rate_limits"`
}

// builtInLimits are conservative ceilings used when no config file overrides
// them.
var builtInLimits = map[string]Limit{
	"openai":     {RPM: 30, TPM: 60000},
	"anthropic":  {RPM: 20, TPM: 40000},
	"serper":     {RPM: 60},
	"brave":      {RPM: 60},
	"duckduckgo": {RPM: 30},
}

type bucket struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// Registry holds one bucket per vendor. A single Registry is shared by all
// sessions in the process.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limits  map[string]Limit
	def     Limit
}

// NewRegistry builds a registry from built-in limits, optionally overlaid by
// a yaml file named by RATE_LIMITS_PATH.
func NewRegistry() *Registry {
	r := &Registry{
		buckets: make(map[string]*bucket),
		limits:  make(map[string]Limit, len(builtInLimits)),
	}
	for vendor, limit := range builtInLimits {
		r.limits[vendor] = limit
	}
	if path := os.Getenv("RATE_LIMITS_PATH"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var cfg fileConfig
			if yaml.Unmarshal(data, &cfg) == nil {
				r.def = Limit{RPM: cfg.RateLimits.DefaultRPM, TPM: cfg.RateLimits.DefaultTPM}
				for vendor, limit := range cfg.RateLimits.VendorOverrides {
					r.limits[strings.ToLower(strings.TrimSpace(vendor))] = limit
				}
			}
		}
	}
	return r
}

// LimitFor returns the effective limit for a vendor.
func (r *Registry) LimitFor(vendor string) Limit {
	vendor = strings.ToLower(strings.TrimSpace(vendor))
	if limit, ok := r.limits[vendor]; ok {
		return limit
	}
	return r.def
}

// SetLimit overrides a vendor's limit and resets its bucket. Intended for
// tests and runtime reconfiguration.
func (r *Registry) SetLimit(vendor string, limit Limit) {
	vendor = strings.ToLower(strings.TrimSpace(vendor))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits[vendor] = limit
	delete(r.buckets, vendor)
}

func (r *Registry) bucketFor(vendor string) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[vendor]; ok {
		return b
	}
	limit := r.limits[vendor]
	if limit == (Limit{}) {
		limit = r.def
	}
	b := &bucket{}
	if limit.RPM > 0 {
		b.requests = rate.NewLimiter(rate.Limit(float64(limit.RPM)/60.0), limit.RPM)
	}
	if limit.TPM > 0 {
		burst := limit.TPM / 4
		if burst < 1 {
			burst = 1
		}
		b.tokens = rate.NewLimiter(rate.Limit(float64(limit.TPM)/60.0), burst)
	}
	r.buckets[vendor] = b
	return b
}

// Wait blocks until the vendor bucket admits one request plus the estimated
// token draw, or until ctx is cancelled. Vendors with no configured limit
// pass immediately.
func (r *Registry) Wait(ctx context.Context, vendor string, estimatedTokens int) error {
	vendor = strings.ToLower(strings.TrimSpace(vendor))
	b := r.bucketFor(vendor)
	start := time.Now()
	defer func() {
		metrics.RateLimitWait.WithLabelValues(vendor).Observe(time.Since(start).Seconds())
	}()

	if b.requests != nil {
		if err := b.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if b.tokens != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if n > b.tokens.Burst() {
			n = b.tokens.Burst()
		}
		if err := b.tokens.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}
