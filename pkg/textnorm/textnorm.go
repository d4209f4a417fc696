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

// Package textnorm holds the text normalization primitives shared by the
// pipeline normalizer and the plugin sandbox: HTML stripping, Unicode NFC,
// whitespace collapsing, and keyword extraction.
//
// Normalization never collapses non-Latin scripts: CJK and RTL text pass
// through NFC untouched apart from whitespace handling.
package textnorm

import (
	"strings"
	"unicode"

	xhtml "golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// StripHTML renders markup to its text content. Script and style subtrees
// are dropped; block-level boundaries become whitespace so adjacent text
// does not fuse.
func StripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	node, err := xhtml.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}
	var sb strings.Builder
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == xhtml.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == xhtml.ElementNode {
			switch n.Data {
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				sb.WriteByte(' ')
			}
		}
	}
	walk(node)
	return sb.String()
}

// CollapseWhitespace folds runs of whitespace into single spaces and trims.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NFC applies Unicode normalization form C.
func NFC(s string) string {
	return norm.NFC.String(s)
}

// Clean is the display-form normalization: strip HTML, NFC, collapse
// whitespace. Case is preserved.
func Clean(s string) string {
	return CollapseWhitespace(NFC(StripHTML(s)))
}

// ComparisonForm is the dedup-comparison normalization: Clean plus
// lower-casing. The display form is kept separately.
func ComparisonForm(s string) string {
	return strings.ToLower(Clean(s))
}

// stopwords are excluded from keyword extraction. English-heavy by design:
// keyword extraction is a ranking signal, not a linguistic analysis.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "her": true, "his": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "she": true, "that": true, "the": true, "their": true,
	"they": true, "this": true, "to": true, "was": true, "were": true,
	"will": true, "with": true, "you": true, "your": true, "not": true,
	"after": true, "about": true, "over": true, "new": true, "how": true,
	"why": true, "what": true, "when": true, "who": true, "more": true,
}

// Tokens splits s into lower-cased word tokens, keeping letters and digits
// of any script.
func Tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Keywords extracts up to max content-bearing tokens from s, preserving
// first-occurrence order and skipping stopwords and single characters.
func Keywords(s string, max int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range Tokens(s) {
		if len([]rune(tok)) < 2 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}
