package digest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ISO-Serious/serious-threat-intelligence/model"
)

// Markdown renders a digest as a markdown document. Categories are sorted by
// name; sections that could not be decoded are shown verbatim.
func Markdown(d model.Digest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Threat intelligence digest (%s) %s\n\n", d.PeriodType, d.PeriodKey)
	if !d.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "_Generated %s_\n\n", d.GeneratedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	if c := strings.TrimSpace(d.Commentary); c != "" {
		for _, line := range strings.Split(c, "\n") {
			b.WriteString("> " + line + "\n")
		}
		b.WriteString("\n")
	}

	categories := make([]string, 0, len(d.Body))
	for name := range d.Body {
		categories = append(categories, name)
	}
	sort.Strings(categories)

	if len(categories) == 0 {
		b.WriteString("No articles were collected for this period.\n")
		return b.String()
	}

	for _, name := range categories {
		sec := d.Body[name]
		if sec.IsRaw() {
			fmt.Fprintf(&b, "## %s\n\n```\n%s\n```\n\n", name, sec.Raw)
			continue
		}

		r := sec.Result
		title := r.SectionTitle
		if title == "" {
			title = name
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", title, strings.TrimSpace(r.Summary))

		if len(r.ActionableTasks) > 0 {
			b.WriteString("**Actionable tasks**\n\n")
			for i, t := range r.ActionableTasks {
				fmt.Fprintf(&b, "%d. **%s**: %s\n", i+1, t.Task, t.Description)
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}
