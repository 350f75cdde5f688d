// Package radartest provides an in-process imitation of the Radar API that
// serves deterministic, paginated fixtures.
package radartest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Request is a request observed by the API.
type Request struct {
	Path          string
	Query         map[string]string
	Authorization string
	At            time.Time
}

// Generator produces the full result set of an endpoint for [start, end).
// The returned values are marshalled as JSON records.
type Generator func(endpoint string, start, end time.Time) []any

type Option func(*API)

// WithRecords makes the default generators return n records per window.
func WithRecords(n int) Option {
	return func(a *API) {
		a.records = n
	}
}

func WithGenerator(g Generator) Option {
	return func(a *API) {
		a.generator = g
	}
}

// WithToken requires "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(a *API) {
		a.token = token
	}
}

// WithMaxPageSize caps the number of records returned per page regardless
// of the requested limit.
func WithMaxPageSize(n int) Option {
	return func(a *API) {
		a.maxPageSize = n
	}
}

// WithoutResultInfo omits result_info so that clients must detect the end
// of results from a short page.
func WithoutResultInfo() Option {
	return func(a *API) {
		a.noResultInfo = true
	}
}

type API struct {
	mu           sync.Mutex
	records      int
	generator    Generator
	token        string
	noResultInfo bool
	maxPageSize  int
	failures     []int
	requests     []Request
}

func NewAPI(opts ...Option) *API {
	a := &API{
		records: 10,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.generator == nil {
		a.generator = a.defaultGenerator
	}
	return a
}

// FailNext makes the next len(statuses) requests fail with the given
// status codes, in order.
func (a *API) FailNext(statuses ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, statuses...)
}

func (a *API) Requests() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Request(nil), a.requests...)
}

func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/*", a.serve)
	return r
}

// NewServer starts an httptest server backed by a new API. The caller
// closes the server.
func NewServer(opts ...Option) (*httptest.Server, *API) {
	a := NewAPI(opts...)
	return httptest.NewServer(a.Routes()), a
}

func (a *API) serve(w http.ResponseWriter, r *http.Request) {
	query := map[string]string{}
	for k := range r.URL.Query() {
		query[k] = r.URL.Query().Get(k)
	}

	a.mu.Lock()
	a.requests = append(a.requests, Request{
		Path:          r.URL.Path,
		Query:         query,
		Authorization: r.Header.Get("Authorization"),
		At:            time.Now(),
	})
	var failure int
	if len(a.failures) > 0 {
		failure = a.failures[0]
		a.failures = a.failures[1:]
	}
	a.mu.Unlock()

	if a.token != "" && r.Header.Get("Authorization") != "Bearer "+a.token {
		writeError(w, http.StatusUnauthorized, 10000, "Authentication error")
		return
	}
	if failure != 0 {
		writeError(w, failure, failure, http.StatusText(failure))
		return
	}

	start, err := time.Parse(time.RFC3339, query["dateStart"])
	if err != nil {
		writeError(w, http.StatusBadRequest, 400, "invalid dateStart")
		return
	}
	end, err := time.Parse(time.RFC3339, query["dateEnd"])
	if err != nil {
		writeError(w, http.StatusBadRequest, 400, "invalid dateEnd")
		return
	}
	limit, err := strconv.Atoi(query["limit"])
	if err != nil || limit <= 0 {
		limit = 100
	}
	if a.maxPageSize > 0 && limit > a.maxPageSize {
		limit = a.maxPageSize
	}
	offset, _ := strconv.Atoi(query["offset"])

	endpoint := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	all := a.generator(endpoint, start, end)

	lo := offset
	if lo > len(all) {
		lo = len(all)
	}
	hi := lo + limit
	if hi > len(all) {
		hi = len(all)
	}
	pageRecords := all[lo:hi]

	key := "top_0"
	if strings.HasPrefix(endpoint, "annotations") {
		key = "annotations"
	}

	body := map[string]any{
		"success":  true,
		"errors":   []any{},
		"messages": []any{},
		"result": map[string]any{
			"meta": map[string]any{
				"dateRange": []map[string]string{{
					"startTime": start.UTC().Format(time.RFC3339),
					"endTime":   end.UTC().Format(time.RFC3339),
				}},
			},
			key: pageRecords,
		},
	}
	if !a.noResultInfo {
		body["result_info"] = map[string]int{
			"count":       len(pageRecords),
			"page":        offset/limit + 1,
			"per_page":    limit,
			"total_count": len(all),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"errors": []map[string]any{{
			"code":    code,
			"message": message,
		}},
		"result": nil,
	})
}

var locations = []struct {
	code string
	name string
}{
	{"US", "United States"},
	{"DE", "Germany"},
	{"BR", "Brazil"},
	{"IN", "India"},
	{"NG", "Nigeria"},
	{"JP", "Japan"},
	{"", "Namibia"},
	{"KE", "Kenya"},
}

func (a *API) defaultGenerator(endpoint string, start, end time.Time) []any {
	out := make([]any, 0, a.records)
	seed := int(start.Unix()/3600) % 97

	for i := 0; i < a.records; i++ {
		loc := locations[i%len(locations)]
		switch {
		case strings.HasPrefix(endpoint, "annotations"):
			out = append(out, map[string]any{
				"id":          fmt.Sprintf("%d-%d", start.Unix(), i),
				"startDate":   start.Add(time.Duration(i) * time.Minute).UTC().Format(time.RFC3339),
				"endDate":     end.UTC().Format(time.RFC3339),
				"locations":   []string{annotationLocation(loc.code)},
				"asns":        []int{13335 + i},
				"eventType":   "OUTAGE",
				"description": "fixture outage",
				"outage": map[string]string{
					"outageCause": "POWER_OUTAGE",
					"outageType":  "REGIONAL",
				},
			})
		case strings.HasPrefix(endpoint, "attacks") && strings.HasSuffix(endpoint, "top/attacks"):
			target := locations[(i+1)%len(locations)]
			out = append(out, map[string]any{
				"originCountryAlpha2": loc.code,
				"originCountryName":   loc.name,
				"targetCountryAlpha2": target.code,
				"targetCountryName":   target.name,
				"value":               value(seed, i),
			})
		case strings.HasPrefix(endpoint, "attacks") && strings.HasSuffix(endpoint, "origin"):
			out = append(out, map[string]any{
				"originCountryAlpha2": loc.code,
				"originCountryName":   loc.name,
				"value":               value(seed, i),
			})
		case strings.HasPrefix(endpoint, "attacks"):
			out = append(out, map[string]any{
				"targetCountryAlpha2": loc.code,
				"targetCountryName":   loc.name,
				"value":               value(seed, i),
			})
		case strings.HasPrefix(endpoint, "quality"):
			out = append(out, map[string]any{
				"clientCountryAlpha2": loc.code,
				"clientCountryName":   loc.name,
				"bandwidthDownload":   value(seed, i),
				"bandwidthUpload":     value(seed, i+1),
				"latencyIdle":         value(seed, i+2),
				"latencyLoaded":       value(seed, i+3),
				"jitterIdle":          value(seed, i+4),
				"jitterLoaded":        value(seed, i+5),
			})
		default:
			out = append(out, map[string]any{
				"clientCountryAlpha2": loc.code,
				"clientCountryName":   loc.name,
				"value":               value(seed, i),
			})
		}
	}
	return out
}

func value(seed, i int) string {
	return strconv.FormatFloat(float64((seed*31+i*17)%1000)/10, 'f', 1, 64)
}

func annotationLocation(code string) string {
	if code == "" {
		return "NA"
	}
	return code
}
