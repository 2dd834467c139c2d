// Package chunker normalizes extracted text and splits it into ordered,
// bounded-length units for synthesis.
//
// Splitting is pure and deterministic: the same text and limit always
// produce the same unit sequence. Cache keys are derived from exact unit
// text, so any nondeterminism here would defeat the audio cache.
package chunker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/book-expert/narrator-service/internal/core"
)

// Regex patterns for normalization and splitting.
const (
	markdownHeaderPattern = `(?m)^#+\s*`
	controlCharPattern    = "[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]"
	hyphenBreakPattern    = `-\n`
	singleNewlinePattern  = "\n"
	markdownMarkPattern   = "[*#`_]"
	whitespacePattern     = `\s+`
	sentenceEndPattern    = `[.!?…]+\s+`
	clauseEndPattern      = `[,;:]\s+`
)

// Punctuation normalization pairs for the replacer.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsisChar = "…"
)

// ErrFmtLimitNotPositive is the message format for an invalid chunk limit.
const errFmtLimitNotPositive = "%w: chunk limit must be positive, got %d"

// Chunker splits normalized text into bounded units. All patterns are
// compiled once at construction.
type Chunker struct {
	markdownHeader *regexp.Regexp
	controlChars   *regexp.Regexp
	hyphenBreak    *regexp.Regexp
	markdownMarks  *regexp.Regexp
	whitespace     *regexp.Regexp
	sentenceEnd    *regexp.Regexp
	clauseEnd      *regexp.Regexp
	punctReplacer  *strings.Replacer
}

// New creates a Chunker with precompiled patterns.
func New() *Chunker {
	return &Chunker{
		markdownHeader: regexp.MustCompile(markdownHeaderPattern),
		controlChars:   regexp.MustCompile(controlCharPattern),
		hyphenBreak:    regexp.MustCompile(hyphenBreakPattern),
		markdownMarks:  regexp.MustCompile(markdownMarkPattern),
		whitespace:     regexp.MustCompile(whitespacePattern),
		sentenceEnd:    regexp.MustCompile(sentenceEndPattern),
		clauseEnd:      regexp.MustCompile(clauseEndPattern),
		punctReplacer: strings.NewReplacer(
			emDash, "-",
			enDash, "-",
			figureDash, "-",
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

/// Normalize cleans extracted text for synthesis: markdown headers and marks
// are stripped, hyphenation across line breaks is resolved, control
// characters are dropped, smart punctuation is normalized, and whitespace
// runs collapse to single spaces.
func (c *Chunker) Normalize(text string) string {
	if text == "" {
		return ""
	}

	cleaned := c.markdownHeader.ReplaceAllString(text, "")

	cleaned = c.controlChars.ReplaceAllString(cleaned, "")

	cleaned = c.hyphenBreak.ReplaceAllString(cleaned, "")

	cleaned = strings.ReplaceAll(cleaned, singleNewlinePattern, " ")

	cleaned = c.markdownMarks.ReplaceAllString(cleaned, "")

	cleaned = c.punctReplacer.Replace(cleaned)

	cleaned = c.whitespace.ReplaceAllString(cleaned, " ")

	return strings.TrimSpace(cleaned)
}

// Split divides text into ordered units no longer than limit, closing each
// unit at sentence boundaries where possible. A sentence that alone exceeds
// the limit is re-split at clause boundaries; a single clause longer than
// the limit is emitted whole, so one unit may exceed the limit by the length
// of its longest unsplittable clause.
func (c *Chunker) Split(text string, limit int) ([]core.TextUnit, error) {
	if limit <= 0 {
		return nil, fmt.Errorf(errFmtLimitNotPositive, core.ErrConfiguration, limit)
	}

	collapsed := strings.TrimSpace(c.whitespace.ReplaceAllString(text, " "))
	if collapsed == "" {
		return nil, nil
	}

	if len(collapsed) <= limit {
		return []core.TextUnit{{Index: 0, Text: collapsed}}, nil
	}

	var (
		pieces  []string
		current strings.Builder
	)

	closeCurrent := func() {
		piece := strings.TrimSpace(current.String())
		if piece != "" {
			pieces = append(pieces, piece)
		}

		current.Reset()
	}

	for _, sentence := range splitAfter(c.sentenceEnd, collapsed) {
		switch {
		case len(sentence) > limit:
			// Oversized sentence: close what we have and re-split
			// it at clause boundaries.
			closeCurrent()

			for _, clause := range splitAfter(c.clauseEnd, sentence) {
				if current.Len()+len(clause) >= limit {
					closeCurrent()
				}

				current.WriteString(clause)
				current.WriteString(" ")
			}

			closeCurrent()
		case current.Len()+len(sentence) < limit:
			current.WriteString(sentence)
			current.WriteString(" ")
		default:
			closeCurrent()
			current.WriteString(sentence)
			current.WriteString(" ")
		}
	}

	closeCurrent()

	units := make([]core.TextUnit, 0, len(pieces))

	for index, piece := range pieces {
		units = append(units, core.TextUnit{Index: index, Text: piece})
	}

	return units, nil
}

// splitAfter splits text after each match of the boundary pattern, keeping
// the terminating punctuation with the preceding segment. Trailing
// whitespace captured by the pattern is trimmed from each segment.
func splitAfter(boundary *regexp.Regexp, text string) []string {
	matches := boundary.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}

	segments := make([]string, 0, len(matches)+1)
	start := 0

	for _, match := range matches {
		segment := strings.TrimSpace(text[start:match[1]])
		if segment != "" {
			segments = append(segments, segment)
		}

		start = match[1]
	}

	if start < len(text) {
		tail := strings.TrimSpace(text[start:])
		if tail != "" {
			segments = append(segments, tail)
		}
	}

	return segments
}
