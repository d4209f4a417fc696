// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/trendwatch/internal/ui"
	"github.com/kraklabs/trendwatch/pkg/cache"
	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/search"
	"github.com/kraklabs/trendwatch/pkg/storage/postgres"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// runServe runs only the HTTP API, without the scheduler.
func runServe(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, globals, true)
	if err != nil {
		ui.Error("%v", err)
		return 1
	}
	defer a.Close()

	if err := a.loadCollectors(ctx); err != nil {
		ui.Warn("load collectors: %v", err)
	}
	if err := a.serveHTTP(ctx); err != nil {
		ui.Error("http server: %v", err)
		return 1
	}
	return 0
}

// serveHTTP runs the API until ctx is cancelled, then drains.
func (a *app) serveHTTP(ctx context.Context) error {
	mux := http.NewServeMux()

	// Read paths.
	mux.HandleFunc("GET /api/trends", a.handleTrendList)
	mux.HandleFunc("GET /api/trends/{id}", a.handleTrendDetail)
	mux.HandleFunc("GET /api/trends/{id}/similar", a.handleTrendSimilar)
	mux.HandleFunc("GET /api/topics/{id}", a.handleTopicDetail)
	mux.HandleFunc("GET /api/topics/{id}/items", a.handleTopicItems)
	mux.HandleFunc("GET /api/search", a.handleSearch)

	// Admin paths.
	mux.HandleFunc("GET /api/sources", a.handleSourceList)
	mux.HandleFunc("POST /api/sources", a.handleSourceCreate)
	mux.HandleFunc("PUT /api/sources/{id}", a.handleSourceUpdate)
	mux.HandleFunc("DELETE /api/sources/{id}", a.handleSourceDelete)
	mux.HandleFunc("POST /api/sources/{name}/enable", a.handleSourceToggle(true))
	mux.HandleFunc("POST /api/sources/{name}/disable", a.handleSourceToggle(false))
	mux.HandleFunc("POST /api/sources/{name}/test", a.handleSourceTest)
	mux.HandleFunc("POST /api/sources/{name}/run", a.handleSourceRun)
	mux.HandleFunc("POST /api/sources/{name}/reset-health", a.handleSourceResetHealth)
	mux.HandleFunc("GET /api/health", a.handlePluginHealth)
	mux.HandleFunc("POST /api/run", a.handleManualCycle)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http.listen", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// writeJSON renders a success envelope.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the error envelope: machine-readable tag, detail, and a
// correlation id for opaque internal failures.
type errorBody struct {
	Error         string `json:"error"`
	Detail        string `json:"detail,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeError maps the error taxonomy onto HTTP status codes. The
// user-visible classes pass their detail through; everything else is
// opaque with a correlation id.
func (a *app) writeError(w http.ResponseWriter, err error) {
	tag := trenderr.Tag(err)
	body := errorBody{Error: tag}
	status := http.StatusInternalServerError

	switch {
	case trenderr.NotFound.Has(err):
		status = http.StatusNotFound
		body.Detail = err.Error()
	case trenderr.Validation.Has(err):
		status = http.StatusBadRequest
		body.Detail = err.Error()
	case trenderr.AuthRequired.Has(err):
		status = http.StatusUnauthorized
		body.Detail = err.Error()
	case trenderr.Forbidden.Has(err):
		status = http.StatusForbidden
		body.Detail = err.Error()
	case trenderr.RateLimited.Has(err):
		status = http.StatusTooManyRequests
		body.Detail = err.Error()
		w.Header().Set("Retry-After", "3600")
	case trenderr.AlreadyRunning.Has(err):
		status = http.StatusConflict
		body.Detail = err.Error()
	case trenderr.ServiceUnavailable.Has(err):
		status = http.StatusServiceUnavailable
		body.Detail = "a backing service is unavailable"
	default:
		body.Error = "internal"
		body.CorrelationID = uuid.NewString()
		a.logger.Error("http.internal_error",
			"correlation_id", body.CorrelationID,
			"err", err,
		)
	}
	writeJSON(w, status, body)
}

func (a *app) handleTrendList(w http.ResponseWriter, r *http.Request) {
	filter := filterFromQuery(r)
	key := cache.TrendListKey(cache.Fingerprint(filter.Fingerprint()))

	var cached []model.Trend
	if err := a.cache.Get(r.Context(), key, &cached); err == nil {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	trends, err := a.trends.List(r.Context(), filter)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.cache.Set(r.Context(), key, trends, cache.TTLTrendList); err != nil {
		a.logger.Warn("http.cache.set.error", "err", err)
	}
	writeJSON(w, http.StatusOK, trends)
}

func (a *app) handleTrendDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	key := cache.TrendDetailKey(id)

	var cached model.Trend
	if err := a.cache.Get(r.Context(), key, &cached); err == nil && cached.ID != "" {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	trend, err := a.trends.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.cache.Set(r.Context(), key, trend, cache.TTLTrendDetail); err != nil {
		a.logger.Warn("http.cache.set.error", "err", err)
	}
	writeJSON(w, http.StatusOK, trend)
}

func (a *app) handleTrendSimilar(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := intQuery(r, "limit", 5)
	minSim := floatQuery(r, "min_similarity", 0.7)

	hits, err := a.searcher.Similar(r.Context(), id, limit, minSim)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (a *app) handleTopicDetail(w http.ResponseWriter, r *http.Request) {
	topic, err := a.topics.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, topic)
}

func (a *app) handleTopicItems(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := intQuery(r, "limit", 50)
	offset := intQuery(r, "offset", 0)
	key := cache.TopicItemsKey(id, limit, offset)

	var cached []model.ProcessedItem
	if err := a.cache.Get(r.Context(), key, &cached); err == nil {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	items, err := a.items.GetByTopic(r.Context(), id, limit, offset)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.cache.Set(r.Context(), key, items, cache.TTLTopicItems); err != nil {
		a.logger.Warn("http.cache.set.error", "err", err)
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *app) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := search.Request{
		Query:         q.Get("q"),
		Limit:         intQuery(r, "limit", 10),
		MinSimilarity: floatQuery(r, "min_similarity", 0.5),
		Category:      q.Get("category"),
		Language:      q.Get("language"),
		State:         q.Get("state"),
		Type:          search.SearchType(q.Get("type")),
	}
	if sources := q.Get("sources"); sources != "" {
		req.Sources = strings.Split(sources, ",")
	}
	if req.Type == "" {
		req.Type = search.SearchTrends
	}

	hits, err := a.searcher.Search(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (a *app) handleSourceList(w http.ResponseWriter, r *http.Request) {
	sources, err := a.sources.List(r.Context(), false)
	if err != nil {
		a.writeError(w, err)
		return
	}
	// Credentials never leave the server; the JSON shape omits Auth.
	writeJSON(w, http.StatusOK, sources)
}

func (a *app) handleSourceCreate(w http.ResponseWriter, r *http.Request) {
	var src model.CollectorSource
	if err := decodeSourceBody(r, &src); err != nil {
		a.writeError(w, err)
		return
	}
	if src.Type == model.SourceCustom {
		if _, err := a.runtime.TestConnection(r.Context(), src); err != nil {
			a.writeError(w, err)
			return
		}
	}
	created, err := a.sources.Create(r.Context(), src)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *app) handleSourceUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		a.writeError(w, trenderr.Validation.New("invalid source id"))
		return
	}
	var src model.CollectorSource
	if err := decodeSourceBody(r, &src); err != nil {
		a.writeError(w, err)
		return
	}
	src.ID = id
	updated, err := a.sources.Update(r.Context(), src)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *app) handleSourceDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		a.writeError(w, trenderr.Validation.New("invalid source id"))
		return
	}
	if err := a.sources.Delete(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleSourceToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if err := a.sources.SetEnabled(r.Context(), name, enable); err != nil {
			a.writeError(w, err)
			return
		}
		if enable {
			a.runtime.Registry().EnableByName(name)
		} else {
			a.runtime.Registry().DisableByName(name)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *app) handleSourceTest(w http.ResponseWriter, r *http.Request) {
	src, err := a.sources.GetByName(r.Context(), r.PathValue("name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	latency, probeErr := a.runtime.TestConnection(r.Context(), *src)
	resp := map[string]any{
		"success":    probeErr == nil,
		"latency_ms": latency.Milliseconds(),
	}
	if probeErr != nil {
		resp["error"] = probeErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *app) handleSourceRun(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	items, err := a.runtime.Run(r.Context(), r.PathValue("name"), force)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": len(items)})
}

func (a *app) handleSourceResetHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.runtime.ResetHealth(r.Context(), r.PathValue("name")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handlePluginHealth(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.runtime.StatusAll(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (a *app) handleManualCycle(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	report, err := a.orch.RunCycle(r.Context(), force)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// sourceBody is the admin request shape; auth arrives in the clear over
// the (TLS-terminated) admin channel and is encrypted before persisting.
type sourceBody struct {
	model.CollectorSource
	Auth model.AuthEnvelope `json:"auth"`
}

func decodeSourceBody(r *http.Request, dst *model.CollectorSource) error {
	var body sourceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return trenderr.Validation.New("invalid request body: %v", err)
	}
	*dst = body.CollectorSource
	dst.Auth = body.Auth
	return nil
}

func filterFromQuery(r *http.Request) postgres.ListFilter {
	q := r.URL.Query()
	filter := postgres.ListFilter{
		Category: q.Get("category"),
		State:    q.Get("state"),
		Language: q.Get("language"),
		MinScore: floatQuery(r, "min_score", 0),
		Limit:    intQuery(r, "limit", 50),
		Offset:   intQuery(r, "offset", 0),
	}
	if sources := q.Get("sources"); sources != "" {
		filter.Sources = strings.Split(sources, ",")
	}
	if from := q.Get("from"); from != "" {
		if ts, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = ts
		}
	}
	if to := q.Get("to"); to != "" {
		if ts, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = ts
		}
	}
	return filter
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func floatQuery(r *http.Request, name string, fallback float64) float64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return f
}
