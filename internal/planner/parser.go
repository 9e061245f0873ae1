package planner

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Proposal is one chunk proposed by the backend.
type Proposal struct {
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description"`
	DependsOn   []int  `json:"dependsOn,omitempty"`
}

// Breakdown is the parsed planning response.
type Breakdown struct {
	Summary string      `json:"summary"`
	Chunks  []*Proposal `json:"chunks"`
}

// ParseBreakdown extracts a breakdown from backend output. Tolerant of
// markdown fences and prose around the JSON object; proposals without a
// title are dropped, missing indices fall back to position.
func ParseBreakdown(text string) (*Breakdown, error) {
	payload := extractObject(text)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object found in %q", snippet(text))
	}
	parsed := gjson.Parse(payload)
	chunksVal := parsed.Get("chunks")
	if !chunksVal.IsArray() {
		return nil, fmt.Errorf("missing chunks array in %q", snippet(payload))
	}

	b := &Breakdown{Summary: parsed.Get("summary").String()}
	seen := make(map[int]bool)
	for _, item := range chunksVal.Array() {
		title := strings.TrimSpace(item.Get("title").String())
		if title == "" {
			continue
		}
		proposal := &Proposal{
			Index:       int(item.Get("index").Int()),
			Title:       title,
			Description: strings.TrimSpace(item.Get("description").String()),
		}
		if proposal.Index <= 0 || seen[proposal.Index] {
			proposal.Index = len(b.Chunks) + 1
		}
		if proposal.Description == "" {
			proposal.Description = title
		}
		for _, dep := range item.Get("dependsOn").Array() {
			proposal.DependsOn = append(proposal.DependsOn, int(dep.Int()))
		}
		seen[proposal.Index] = true
		b.Chunks = append(b.Chunks, proposal)
	}
	if len(b.Chunks) == 0 {
		return nil, fmt.Errorf("breakdown contains no chunks")
	}
	return b, nil
}

// extractObject strips markdown fences and returns the outermost JSON
// object candidate.
func extractObject(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
