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

package collector

import (
	"context"

	"github.com/kraklabs/trendwatch/pkg/collector/sandbox"
	"github.com/kraklabs/trendwatch/pkg/model"
)

// Custom wraps a sandboxed user-supplied plugin body as a collector. The
// code is validated at construction; Collect executes it per run.
type Custom struct {
	meta   Metadata
	code   string
	auth   model.AuthEnvelope
	filter keywordFilter
	box    *sandbox.Sandbox
}

// NewCustom builds the collector. The returned error is SandboxSecurity or
// Validation when the code body cannot be activated.
func NewCustom(src model.CollectorSource, defaults Metadata, box *sandbox.Sandbox) (*Custom, error) {
	if err := box.Validate(src.PluginCode); err != nil {
		return nil, err
	}
	return &Custom{
		meta:   metadataFromSource(src, defaults),
		code:   src.PluginCode,
		auth:   src.Auth,
		filter: keywordFilter{include: src.IncludeKeywords, exclude: src.ExcludeKeywords},
		box:    box,
	}, nil
}

func (c *Custom) Metadata() Metadata { return c.meta }

func (c *Custom) Collect(ctx context.Context) ([]model.RawItem, error) {
	items, err := c.box.Run(ctx, c.code, c.meta.Source, c.auth)
	if err != nil {
		return nil, err
	}
	kept := items[:0]
	for _, item := range items {
		if c.Validate(item) && c.filter.match(item) {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

func (c *Custom) Validate(item model.RawItem) bool {
	return baseValidate(item)
}
