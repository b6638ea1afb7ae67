// Command loadtest drives the screening API with a mix of name queries and
// reports throughput, latency percentiles and cache effectiveness.
//
// Usage:
//
//	go run ./cmd/loadtest -url http://localhost:8081 -concurrency 20 -duration 1m
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// screening names mixing exact list spellings, partial names and misses
var defaultNames = []string{
	"Bank Melli Iran",
	"Islamic Revolutionary Guard Corps",
	"Al-Qaida",
	"Kim Jong Un",
	"Korea Mining Development Trading Corporation",
	"Melli",
	"Hezbollah",
	"Petroleos de Venezuela",
	"Jane Doe",
	"Acme Shipping Ltd",
	"Rosneft",
	"Taliban",
	"Abu Example",
	"Tidewater Middle East",
	"Mahan Air",
}

type options struct {
	baseURL     string
	concurrency int
	duration    time.Duration
	minScore    string
	limit       int
	names       []string
	jsonOut     bool
}

type searchResponse struct {
	Total int `json:"total"`
}

func main() {
	opts := options{}
	flag.StringVar(&opts.baseURL, "url", "http://localhost:8081", "base URL of the search service")
	flag.IntVar(&opts.concurrency, "concurrency", 10, "number of concurrent workers")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "test duration")
	flag.StringVar(&opts.minScore, "min-score", "", "min_score sent with every query; empty uses the server default")
	flag.IntVar(&opts.limit, "limit", 10, "page size")
	namesFile := flag.String("names", "", "file with one query name per line; defaults to a built-in list")
	flag.BoolVar(&opts.jsonOut, "json", false, "print the report as JSON")
	flag.Parse()

	opts.names = defaultNames
	if *namesFile != "" {
		names, err := readNames(*namesFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading names: %v\n", err)
			os.Exit(1)
		}
		opts.names = names
	}
	if opts.concurrency < 1 || len(opts.names) == 0 {
		fmt.Fprintln(os.Stderr, "concurrency must be positive and at least one name is required")
		os.Exit(2)
	}

	if !opts.jsonOut {
		fmt.Println("=== Screening Load Test ===")
		fmt.Printf("Target:      %s\n", opts.baseURL)
		fmt.Printf("Concurrency: %d\n", opts.concurrency)
		fmt.Printf("Duration:    %s\n", opts.duration)
		fmt.Printf("Names:       %d unique\n\n", len(opts.names))
	}

	rec := newRecorder()
	elapsed := run(context.Background(), opts, rec)
	report := rec.Report(elapsed)

	if opts.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(report)
	} else {
		report.Print(os.Stdout)
	}
	if report.Requests == 0 {
		fmt.Fprintln(os.Stderr, "no requests completed; is the search service running?")
		os.Exit(1)
	}
}

func readNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, sc.Err()
}

// searchURL builds the query for one name.
func searchURL(opts options, name string) string {
	v := url.Values{}
	v.Set("q", name)
	v.Set("limit", strconv.Itoa(opts.limit))
	if opts.minScore != "" {
		v.Set("min_score", opts.minScore)
	}
	return strings.TrimRight(opts.baseURL, "/") + "/api/v1/search?" + v.Encode()
}

func run(ctx context.Context, opts options, rec *recorder) time.Duration {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        opts.concurrency * 2,
			MaxIdleConnsPerHost: opts.concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.concurrency; w++ {
		worker := w
		g.Go(func() error {
			for i := worker; gctx.Err() == nil; i++ {
				screen(gctx, client, searchURL(opts, opts.names[i%len(opts.names)]), rec)
			}
			return nil
		})
	}
	g.Wait()
	return time.Since(start)
}

func screen(ctx context.Context, client *http.Client, target string, rec *recorder) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		rec.Record(sample{err: err})
		return
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		// requests cut off by the end of the run are not failures
		if ctx.Err() == nil {
			rec.Record(sample{latency: time.Since(start), err: err})
		}
		return
	}
	defer resp.Body.Close()

	s := sample{status: resp.StatusCode, cache: resp.Header.Get("X-Cache")}
	if resp.StatusCode == http.StatusOK {
		var body searchResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			s.matched = body.Total > 0
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	s.latency = time.Since(start)
	rec.Record(s)
}
