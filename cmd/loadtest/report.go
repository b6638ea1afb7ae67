package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

type sample struct {
	latency time.Duration
	status  int
	cache   string
	matched bool
	err     error
}

type recorder struct {
	mu        sync.Mutex
	latencies []time.Duration
	statuses  map[int]int64
	cache     map[string]int64
	requests  int64
	errors    int64
	matched   int64
}

func newRecorder() *recorder {
	return &recorder{
		latencies: make([]time.Duration, 0, 100000),
		statuses:  make(map[int]int64),
		cache:     make(map[string]int64),
	}
}

func (r *recorder) Record(s sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests++
	if s.err != nil {
		r.errors++
		return
	}
	r.statuses[s.status]++
	if s.status < 200 || s.status >= 300 {
		r.errors++
	}
	if s.cache != "" {
		r.cache[s.cache]++
	}
	if s.matched {
		r.matched++
	}
	r.latencies = append(r.latencies, s.latency)
}

type LatencySummary struct {
	Min    time.Duration `json:"min"`
	Avg    time.Duration `json:"avg"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Max    time.Duration `json:"max"`
	StdDev time.Duration `json:"stddev"`
}

type Report struct {
	Requests     int64            `json:"requests"`
	Errors       int64            `json:"errors"`
	ErrorRate    float64          `json:"error_rate"`
	RPS          float64          `json:"rps"`
	MatchRate    float64          `json:"match_rate"`
	CacheHitRate float64          `json:"cache_hit_rate"`
	RateLimited  int64            `json:"rate_limited"`
	StatusCodes  map[int]int64    `json:"status_codes"`
	Cache        map[string]int64 `json:"cache"`
	Latency      *LatencySummary  `json:"latency,omitempty"`
}

// Report summarizes everything recorded over elapsed.
func (r *recorder) Report(elapsed time.Duration) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := Report{
		Requests:    r.requests,
		Errors:      r.errors,
		RateLimited: r.statuses[429],
		StatusCodes: make(map[int]int64, len(r.statuses)),
		Cache:       make(map[string]int64, len(r.cache)),
	}
	for k, v := range r.statuses {
		rep.StatusCodes[k] = v
	}
	for k, v := range r.cache {
		rep.Cache[k] = v
	}
	if r.requests > 0 {
		rep.ErrorRate = float64(r.errors) / float64(r.requests)
		if elapsed > 0 {
			rep.RPS = float64(r.requests) / elapsed.Seconds()
		}
	}
	if ok := r.statuses[200]; ok > 0 {
		rep.MatchRate = float64(r.matched) / float64(ok)
	}
	if lookups := r.cache["hit"] + r.cache["miss"]; lookups > 0 {
		rep.CacheHitRate = float64(r.cache["hit"]) / float64(lookups)
	}
	if len(r.latencies) > 0 {
		sorted := append([]time.Duration(nil), r.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		rep.Latency = summarize(sorted)
	}
	return rep
}

func summarize(sorted []time.Duration) *LatencySummary {
	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	avg := sum / time.Duration(len(sorted))

	var sq float64
	for _, l := range sorted {
		d := float64(l - avg)
		sq += d * d
	}
	return &LatencySummary{
		Min:    sorted[0],
		Avg:    avg,
		P50:    percentile(sorted, 50),
		P90:    percentile(sorted, 90),
		P95:    percentile(sorted, 95),
		P99:    percentile(sorted, 99),
		Max:    sorted[len(sorted)-1],
		StdDev: time.Duration(math.Sqrt(sq / float64(len(sorted)))),
	}
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (rep Report) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Results ===")
	fmt.Fprintf(w, "Requests:     %d\n", rep.Requests)
	fmt.Fprintf(w, "Errors:       %d (%.2f%%)\n", rep.Errors, rep.ErrorRate*100)
	fmt.Fprintf(w, "Rate limited: %d\n", rep.RateLimited)
	fmt.Fprintf(w, "Requests/sec: %.2f\n", rep.RPS)
	fmt.Fprintf(w, "Match rate:   %.2f%%\n", rep.MatchRate*100)
	if len(rep.Cache) > 0 {
		fmt.Fprintf(w, "Cache hits:   %.2f%%\n", rep.CacheHitRate*100)
	}

	if l := rep.Latency; l != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Latency ===")
		fmt.Fprintf(w, "Min:    %s\n", l.Min)
		fmt.Fprintf(w, "Avg:    %s\n", l.Avg)
		fmt.Fprintf(w, "P50:    %s\n", l.P50)
		fmt.Fprintf(w, "P90:    %s\n", l.P90)
		fmt.Fprintf(w, "P95:    %s\n", l.P95)
		fmt.Fprintf(w, "P99:    %s\n", l.P99)
		fmt.Fprintf(w, "Max:    %s\n", l.Max)
		fmt.Fprintf(w, "StdDev: %s\n", l.StdDev)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Status Codes ===")
	codes := make([]int, 0, len(rep.StatusCodes))
	for code := range rep.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "  %d: %d\n", code, rep.StatusCodes[code])
	}
}
