package claude

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// VerdictStatus is a reviewer's decision on one chunk.
type VerdictStatus string

const (
	VerdictPass     VerdictStatus = "pass"
	VerdictNeedsFix VerdictStatus = "needs_fix"
	VerdictFail     VerdictStatus = "fail"
)

// Verdict is a parsed chunk review decision.
type Verdict struct {
	Status   VerdictStatus `json:"status"`
	Feedback string        `json:"feedback"`
	// FixTitle is the reviewer's suggested fix chunk title, when given.
	FixTitle string `json:"fix_title,omitempty"`
}

// FixRequest is one fix chunk proposed by a final review pass.
type FixRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ParseVerdict extracts a review verdict from the CLI's result text. The
// reviewer is prompted to answer with a JSON object but models wrap it in
// prose or code fences often enough that parsing digs for the object.
func ParseVerdict(text string) (*Verdict, error) {
	obj, ok := extractJSON(text)
	if !ok {
		return nil, fmt.Errorf("no JSON verdict in review output: %s", snippet(text))
	}
	status := VerdictStatus(strings.ToLower(obj.Get("status").String()))
	switch status {
	case VerdictPass, VerdictNeedsFix, VerdictFail:
	default:
		return nil, fmt.Errorf("unknown verdict status %q", obj.Get("status").String())
	}
	return &Verdict{
		Status:   status,
		Feedback: obj.Get("feedback").String(),
		FixTitle: obj.Get("fixChunk.title").String(),
	}, nil
}

// ParseFinalReview extracts the fix chunk list from a final review pass. An
// empty list means the diff was accepted.
func ParseFinalReview(text string) ([]FixRequest, error) {
	obj, ok := extractJSON(text)
	if !ok {
		return nil, fmt.Errorf("no JSON result in final review output: %s", snippet(text))
	}
	fixes := obj.Get("fixes")
	if !fixes.Exists() {
		// Top-level array form.
		if obj.IsArray() {
			fixes = obj
		} else {
			return nil, nil
		}
	}
	var out []FixRequest
	fixes.ForEach(func(_, f gjson.Result) bool {
		title := f.Get("title").String()
		if title == "" {
			return true
		}
		out = append(out, FixRequest{
			Title:       title,
			Description: f.Get("description").String(),
		})
		return true
	})
	return out, nil
}

// extractJSON finds the first JSON object or array in text, tolerating code
// fences and surrounding prose.
func extractJSON(text string) (gjson.Result, bool) {
	text = strings.TrimSpace(text)
	if fenced := stripFence(text); fenced != "" {
		text = fenced
	}
	if gjson.Valid(text) {
		return gjson.Parse(text), true
	}
	for _, open := range []byte{'{', '['} {
		start := strings.IndexByte(text, open)
		if start < 0 {
			continue
		}
		closeByte := byte('}')
		if open == '[' {
			closeByte = ']'
		}
		end := strings.LastIndexByte(text, closeByte)
		if end <= start {
			continue
		}
		candidate := text[start : end+1]
		if gjson.Valid(candidate) {
			return gjson.Parse(candidate), true
		}
	}
	return gjson.Result{}, false
}

func stripFence(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return ""
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 120 {
		return text[:120] + "..."
	}
	return text
}
