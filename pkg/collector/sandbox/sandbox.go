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

// Package sandbox executes user-supplied collector code in a restricted
// Starlark environment. Plugins expose one entry point, collect(), that
// returns a sequence of raw-item dicts.
//
// The sandbox has no filesystem, no process spawning, and no ambient
// credentials: the only capabilities are the whitelisted modules, and the
// auth envelope is passed explicitly into collect()'s environment. Resource
// ceilings are enforced three ways: a wall-clock timeout cancels the
// interpreter thread, an execution-step cap stops runaway loops, and the
// http module refuses to read past the configured byte budget.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/kraklabs/trendwatch/pkg/config"
	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// Sandbox validates and runs custom collector code.
type Sandbox struct {
	cfg       config.SandboxConfig
	blacklist []*regexp.Regexp
	logger    *slog.Logger
}

// New compiles the configured identifier blacklist into word-boundary
// matchers. Substring matching is deliberately not used: an identifier like
// follow_redirects must never trip a "dir" rule.
func New(cfg config.SandboxConfig, logger *slog.Logger) (*Sandbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	patterns := make([]*regexp.Regexp, 0, len(cfg.IdentifierBlacklist))
	for _, ident := range cfg.IdentifierBlacklist {
		if ident == "" {
			continue
		}
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(ident) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("compile blacklist entry %q: %w", ident, err)
		}
		patterns = append(patterns, re)
	}
	return &Sandbox{cfg: cfg, blacklist: patterns, logger: logger}, nil
}

// Validate checks plugin code without running it: the blacklist scan first,
// then a syntax parse. A violation is SandboxSecurity; the plugin must not
// be activated.
func (s *Sandbox) Validate(code string) error {
	for _, re := range s.blacklist {
		if loc := re.FindStringIndex(code); loc != nil {
			return trenderr.SandboxSecurity.New("blacklisted identifier %q at offset %d", code[loc[0]:loc[1]], loc[0])
		}
	}
	opts := syntaxOptions()
	if _, err := opts.Parse("plugin.star", code, 0); err != nil {
		return trenderr.Validation.Wrap(fmt.Errorf("parse plugin: %w", err))
	}
	return nil
}

// Run executes the plugin's collect() entry point and converts its result
// into raw items stamped with sourceTag.
func (s *Sandbox) Run(ctx context.Context, code, sourceTag string, auth model.AuthEnvelope) ([]model.RawItem, error) {
	if err := s.Validate(code); err != nil {
		return nil, err
	}

	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "plugin:" + sourceTag,
		Load: s.loadHook,
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Debug("sandbox.print", "plugin", sourceTag, "msg", msg)
		},
	}
	if s.cfg.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(s.cfg.MaxSteps)
	}

	// Cancel the interpreter when the deadline passes; Starlark has no
	// native context support, so the watcher bridges the two worlds.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("deadline exceeded")
		case <-watchDone:
		}
	}()

	predeclared, budget := s.predeclared(ctx, auth)

	globals, err := starlark.ExecFileOptions(syntaxOptions(), thread, "plugin.star", code, predeclared)
	if err != nil {
		return nil, s.classify(ctx, err)
	}

	entry, ok := globals["collect"]
	if !ok {
		return nil, trenderr.Validation.New("plugin does not define collect()")
	}
	fn, ok := entry.(starlark.Callable)
	if !ok {
		return nil, trenderr.Validation.New("collect is not callable")
	}

	result, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return nil, s.classify(ctx, err)
	}

	items, err := itemsFromValue(result, sourceTag)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("sandbox.run.complete",
		"plugin", sourceTag,
		"items", len(items),
		"steps", thread.ExecutionSteps(),
		"bytes_fetched", budget.used(),
	)
	return items, nil
}

// loadHook is the module-import hook: nothing is loadable. Whitelisted
// modules are predeclared instead, so any load() is a policy violation.
func (s *Sandbox) loadHook(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	return nil, trenderr.SandboxSecurity.New("load of module %q denied", module)
}

// classify maps interpreter failures onto the error taxonomy: deadline and
// step exhaustion are ResourceExhausted, policy violations raised by the
// module hooks keep their class, everything else is the plugin's own fault
// and not retryable.
func (s *Sandbox) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return trenderr.ResourceExhausted.New("plugin exceeded wall-clock limit: %v", err)
	}
	// Errors raised inside builtins surface wrapped in an EvalError;
	// class membership checks walk the chain either way.
	if trenderr.SandboxSecurity.Has(err) || trenderr.ResourceExhausted.Has(err) {
		return err
	}
	if evalErr, ok := err.(*starlark.EvalError); ok {
		if cause := evalErr.Unwrap(); cause != nil &&
			(trenderr.SandboxSecurity.Has(cause) || trenderr.ResourceExhausted.Has(cause)) {
			return cause
		}
		return trenderr.Validation.Wrap(fmt.Errorf("plugin failed: %s", evalErr.Backtrace()))
	}
	return trenderr.Validation.Wrap(fmt.Errorf("plugin failed: %w", err))
}

func syntaxOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
	}
}
