package ingest

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Message is one parsed conversation turn.
type Message struct {
	Role      string
	Text      string
	Timestamp time.Time
	Meta      Metadata
}

// Metadata is the tool-activity summary scanned out of a message.
type Metadata struct {
	FilesAnalyzed []string
	FilesEdited   []string
	ToolsUsed     []string
	Concepts      []string
}

// IsZero reports whether no metadata was found.
func (m Metadata) IsZero() bool {
	return len(m.FilesAnalyzed) == 0 && len(m.FilesEdited) == 0 &&
		len(m.ToolsUsed) == 0 && len(m.Concepts) == 0
}

// merge folds other into m, de-duplicating.
func (m *Metadata) merge(other Metadata) {
	m.FilesAnalyzed = appendUnique(m.FilesAnalyzed, other.FilesAnalyzed...)
	m.FilesEdited = appendUnique(m.FilesEdited, other.FilesEdited...)
	m.ToolsUsed = appendUnique(m.ToolsUsed, other.ToolsUsed...)
	m.Concepts = appendUnique(m.Concepts, other.Concepts...)
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, have := range dst {
			if have == item {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, item)
		}
	}
	return dst
}

// Record shapes on the wire: either the message is nested under "message" or
// role/content sit at the top level. Anything else is plumbing and skipped.
type rawRecord struct {
	Message   *rawMessage     `json:"message"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type toolInput struct {
	FilePath string `json:"file_path"`
}

// editingTools write files; everything else that names a file is analysis.
var editingTools = map[string]bool{
	"Edit": true, "Write": true, "MultiEdit": true, "NotebookEdit": true,
}

// conceptPattern tags chunks with coarse engineering topics so concept search
// has something to filter on.
var conceptPattern = regexp.MustCompile(`\b(bug|refactor|test|testing|performance|security|database|migration|auth|authentication|concurrency|deadlock|cache|caching|config|configuration|logging|deploy|deployment|regression)\b`)

// parseLine decodes one JSONL record. The returned message is nil for valid
// records that carry no conversational content (tool plumbing, summaries);
// the error is non-nil only for malformed JSON.
func parseLine(line []byte) (*Message, error) {
	var rec rawRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}

	role := rec.Role
	content := rec.Content
	if rec.Message != nil {
		role = rec.Message.Role
		content = rec.Message.Content
	}
	if role == "" || len(content) == 0 {
		return nil, nil
	}

	text, meta := flattenContent(content)
	if text == "" && meta.IsZero() {
		return nil, nil
	}

	msg := &Message{Role: role, Text: text, Meta: meta}
	if rec.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil {
			msg.Timestamp = ts
		}
	}
	msg.Meta.Concepts = extractConcepts(text)
	return msg, nil
}

// flattenContent joins the text parts of a content value, which is either a
// plain string or a heterogeneous block list. Tool-use blocks contribute
// metadata instead of text.
func flattenContent(content json.RawMessage) (string, Metadata) {
	var meta Metadata

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s, meta
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return "", meta
	}

	var parts []string
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "tool_use":
			if block.Name == "" {
				continue
			}
			meta.ToolsUsed = appendUnique(meta.ToolsUsed, block.Name)
			var input toolInput
			if err := json.Unmarshal(block.Input, &input); err == nil && input.FilePath != "" {
				if editingTools[block.Name] {
					meta.FilesEdited = appendUnique(meta.FilesEdited, input.FilePath)
				} else {
					meta.FilesAnalyzed = appendUnique(meta.FilesAnalyzed, input.FilePath)
				}
			}
		}
	}
	return strings.Join(parts, "\n"), meta
}

func extractConcepts(text string) []string {
	if text == "" {
		return nil
	}
	matches := conceptPattern.FindAllString(strings.ToLower(text), -1)
	var concepts []string
	for _, m := range matches {
		concepts = appendUnique(concepts, canonicalConcept(m))
	}
	return concepts
}

// canonicalConcept folds inflections onto one tag.
func canonicalConcept(word string) string {
	switch word {
	case "testing":
		return "test"
	case "authentication":
		return "auth"
	case "caching":
		return "cache"
	case "configuration":
		return "config"
	case "deployment":
		return "deploy"
	default:
		return word
	}
}
