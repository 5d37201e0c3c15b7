package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Format selects the rendering of a response.
type Format int

const (
	FormatBrief Format = iota
	FormatMarkdown
	FormatRaw
)

// ParseFormat maps a CLI flag value onto a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "brief":
		return FormatBrief, nil
	case "markdown":
		return FormatMarkdown, nil
	case "raw":
		return FormatRaw, nil
	default:
		return FormatBrief, fmt.Errorf("unknown format %q (brief, markdown, raw)", s)
	}
}

const excerptLen = 200

// Render formats a response for terminal output.
func Render(resp *Response, format Format) string {
	var b strings.Builder

	if len(resp.Hits) == 0 {
		b.WriteString("no results\n")
	}

	for _, h := range resp.Hits {
		switch format {
		case FormatMarkdown:
			fmt.Fprintf(&b, "## %d. %s (score %.3f)\n\n", h.Rank, h.Project, h.Score)
			if h.TimestampMs > 0 {
				ts := time.UnixMilli(h.TimestampMs).UTC().Format(time.RFC3339)
				fmt.Fprintf(&b, "- time: %s\n", ts)
			}
			if id, ok := h.Payload["conversation_id"].(string); ok {
				fmt.Fprintf(&b, "- conversation: %s\n", id)
			}
			fmt.Fprintf(&b, "- collection: %s\n\n%s\n\n", h.Collection, h.Content)
		case FormatRaw:
			fmt.Fprintf(&b, "%d. [%.3f] %s\n%s\n", h.Rank, h.Score, h.Project, h.Content)
			if raw, err := json.MarshalIndent(h.Payload, "", "  "); err == nil {
				b.Write(raw)
				b.WriteByte('\n')
			}
		default:
			fmt.Fprintf(&b, "%d. [%.3f] %s: %s\n", h.Rank, h.Score, h.Project, excerpt(h.Content))
		}
	}

	if resp.Degraded {
		fmt.Fprintf(&b, "\nwarning: results degraded, skipped collections: %s\n",
			strings.Join(resp.Skipped, ", "))
	}
	return b.String()
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= excerptLen {
		return s
	}
	// Back off to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := excerptLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
