// This file contains output helpers shared across commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/specwright/specwright/internal/model"
)

// shortID truncates an id for display. Full ids remain available via --json.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSpecTable(specs []*model.Spec) {
	if len(specs) == 0 {
		fmt.Println("No specs")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tBRANCH\tPR")
	for _, s := range specs {
		pr := ""
		if s.PRNumber > 0 {
			pr = fmt.Sprintf("#%d", s.PRNumber)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(s.ID), s.Title, s.Status, s.Branch, pr)
	}
	_ = w.Flush()
}

func printChunkTable(chunks []*model.Chunk) {
	if len(chunks) == 0 {
		fmt.Println("No chunks")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tORDER\tTITLE\tSTATUS\tREVIEW\tCOMMIT")
	for _, c := range chunks {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			shortID(c.ID), c.Order, c.Title, c.Status, c.ReviewStatus, shortID(c.CommitSHA))
	}
	_ = w.Flush()
}

// age renders a timestamp as a coarse relative duration.
func age(t time.Time) string {
	if t.IsZero() {
		return "?"
	}
	d := time.Since(t)
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
