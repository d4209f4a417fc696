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

package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	starjson "go.starlark.net/lib/json"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/textnorm"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// byteBudget caps the cumulative response bytes one invocation may pull in;
// the enforceable stand-in for the memory ceiling.
type byteBudget struct {
	remaining atomic.Int64
	total     int64
}

func newByteBudget(limit int64) *byteBudget {
	b := &byteBudget{total: limit}
	b.remaining.Store(limit)
	return b
}

func (b *byteBudget) take(n int64) bool {
	return b.remaining.Add(-n) >= 0
}

func (b *byteBudget) used() int64 {
	return b.total - b.remaining.Load()
}

// predeclared assembles the plugin environment from the module whitelist.
// Modules not on the whitelist simply do not exist in the namespace.
func (s *Sandbox) predeclared(ctx context.Context, auth model.AuthEnvelope) (starlark.StringDict, *byteBudget) {
	limit := s.cfg.MemoryLimitBytes
	if limit <= 0 {
		limit = 100 * 1024 * 1024
	}
	budget := newByteBudget(limit)

	available := map[string]starlark.Value{
		"http": s.httpModule(ctx, budget),
		"html": htmlModule(),
		"json": starjson.Module,
		"re":   reModule(),
		"time": startime.Module,
		"text": textModule(),
	}

	env := starlark.StringDict{
		"auth": starlarkstruct.FromStringDict(starlark.String("auth"), starlark.StringDict{
			"api_key":     starlark.String(auth.APIKey),
			"oauth_token": starlark.String(auth.OAuthToken),
		}),
	}
	for _, name := range s.cfg.ModuleWhitelist {
		if mod, ok := available[name]; ok {
			env[name] = mod
		}
	}
	return env, budget
}

// httpModule exposes a GET-only client. Responses are size-capped against
// the invocation budget and carry status_code, body, and url.
func (s *Sandbox) httpModule(ctx context.Context, budget *byteBudget) *starlarkstruct.Module {
	maxResponse := s.cfg.MaxResponseBytes
	if maxResponse <= 0 {
		maxResponse = 10 * 1024 * 1024
	}

	get := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			rawURL  string
			headers *starlark.Dict
			params  *starlark.Dict
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"url", &rawURL, "headers?", &headers, "params?", &params); err != nil {
			return nil, err
		}

		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("invalid url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, trenderr.SandboxSecurity.New("scheme %q denied", u.Scheme)
		}
		if params != nil {
			q := u.Query()
			for _, kv := range params.Items() {
				q.Set(asString(kv[0]), asString(kv[1]))
			}
			u.RawQuery = q.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "trendwatch-plugin/1.0")
		if headers != nil {
			for _, kv := range headers.Items() {
				req.Header.Set(asString(kv[0]), asString(kv[1]))
			}
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http get: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if !budget.take(int64(len(body))) {
			return nil, trenderr.ResourceExhausted.New("plugin exceeded memory budget")
		}

		return starlarkstruct.FromStringDict(starlark.String("response"), starlark.StringDict{
			"status_code": starlark.MakeInt(resp.StatusCode),
			"body":        starlark.String(body),
			"url":         starlark.String(u.String()),
		}), nil
	}

	return &starlarkstruct.Module{
		Name: "http",
		Members: starlark.StringDict{
			"get": starlark.NewBuiltin("http.get", get),
		},
	}
}

// htmlModule exposes tag stripping and text extraction over x/net/html.
func htmlModule() *starlarkstruct.Module {
	stripTags := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "s", &s); err != nil {
			return nil, err
		}
		return starlark.String(textnorm.StripHTML(s)), nil
	}

	return &starlarkstruct.Module{
		Name: "html",
		Members: starlark.StringDict{
			"strip_tags": starlark.NewBuiltin("html.strip_tags", stripTags),
		},
	}
}

// reModule wraps Go regexp for plugin use.
func reModule() *starlarkstruct.Module {
	findall := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var pattern, s string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "s", &s); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		matches := re.FindAllString(s, -1)
		out := make([]starlark.Value, len(matches))
		for i, m := range matches {
			out[i] = starlark.String(m)
		}
		return starlark.NewList(out), nil
	}

	search := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var pattern, s string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "s", &s); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		if m := re.FindString(s); m != "" {
			return starlark.String(m), nil
		}
		return starlark.None, nil
	}

	return &starlarkstruct.Module{
		Name: "re",
		Members: starlark.StringDict{
			"findall": starlark.NewBuiltin("re.findall", findall),
			"search":  starlark.NewBuiltin("re.search", search),
		},
	}
}

// textModule holds the standard text utilities plugins keep reinventing.
func textModule() *starlarkstruct.Module {
	collapseWS := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "s", &s); err != nil {
			return nil, err
		}
		return starlark.String(strings.Join(strings.Fields(s), " ")), nil
	}

	truncate := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			s string
			n int
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "s", &s, "n", &n); err != nil {
			return nil, err
		}
		runes := []rune(s)
		if n >= 0 && len(runes) > n {
			return starlark.String(string(runes[:n])), nil
		}
		return starlark.String(s), nil
	}

	return &starlarkstruct.Module{
		Name: "text",
		Members: starlark.StringDict{
			"collapse_ws": starlark.NewBuiltin("text.collapse_ws", collapseWS),
			"truncate":    starlark.NewBuiltin("text.truncate", truncate),
		},
	}
}

// itemsFromValue converts the collect() return value into raw items.
// Required fields: source_id, url, title, published_at. Everything else is
// defaulted when absent.
func itemsFromValue(v starlark.Value, sourceTag string) ([]model.RawItem, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, trenderr.Validation.New("collect() must return a sequence, got %s", v.Type())
	}

	var items []model.RawItem
	iter := iterable.Iterate()
	defer iter.Done()

	var elem starlark.Value
	for iter.Next(&elem) {
		dict, ok := elem.(*starlark.Dict)
		if !ok {
			return nil, trenderr.Validation.New("collect() elements must be dicts, got %s", elem.Type())
		}
		item, err := itemFromDict(dict, sourceTag)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func itemFromDict(dict *starlark.Dict, sourceTag string) (model.RawItem, error) {
	item := model.RawItem{Source: sourceTag}

	getStr := func(key string) string {
		v, found, _ := dict.Get(starlark.String(key))
		if !found {
			return ""
		}
		// Only genuine strings coerce; ints fall through to the typed
		// branches below.
		if s, ok := starlark.AsString(v); ok {
			return s
		}
		return ""
	}
	getInt := func(d *starlark.Dict, key string) int64 {
		v, found, _ := d.Get(starlark.String(key))
		if !found {
			return 0
		}
		if i, ok := v.(starlark.Int); ok {
			n, _ := i.Int64()
			return n
		}
		return 0
	}

	item.SourceID = getStr("source_id")
	item.URL = getStr("url")
	item.Title = getStr("title")
	item.Body = getStr("body")
	item.Author = getStr("author")
	item.LanguageHint = getStr("language")

	if item.SourceID == "" || item.URL == "" || item.Title == "" {
		return item, trenderr.Validation.New("item missing source_id, url or title")
	}

	if raw := getStr("published_at"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return item, trenderr.Validation.New("published_at %q is not RFC 3339", raw)
		}
		item.PublishedAt = ts
	} else if v, found, _ := dict.Get(starlark.String("published_at")); found {
		if i, ok := v.(starlark.Int); ok {
			unix, _ := i.Int64()
			item.PublishedAt = time.Unix(unix, 0).UTC()
		}
	}
	if item.PublishedAt.IsZero() {
		return item, trenderr.Validation.New("item missing published_at")
	}

	if v, found, _ := dict.Get(starlark.String("engagement")); found {
		if eng, ok := v.(*starlark.Dict); ok {
			item.Engagement = model.Engagement{
				Upvotes:   getInt(eng, "upvotes"),
				Downvotes: getInt(eng, "downvotes"),
				Comments:  getInt(eng, "comments"),
				Shares:    getInt(eng, "shares"),
				Views:     getInt(eng, "views"),
			}
		}
	}

	if v, found, _ := dict.Get(starlark.String("tags")); found {
		if list, ok := v.(*starlark.List); ok {
			for i := 0; i < list.Len(); i++ {
				item.Tags = append(item.Tags, asString(list.Index(i)))
			}
		}
	}

	return item, nil
}

func asString(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}
