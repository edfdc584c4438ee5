package llm

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ISO-Serious/serious-threat-intelligence/model"
)

const summaryPrompt = `Please analyze these %[1]s articles and create a comprehensive summary that:
1. Identifies the main themes and key developments across all articles
2. Highlights the most significant information and emerging trends
3. Connects related stories and shows how they fit into broader narratives
4. Preserves important specific details (dates, numbers, names, quotes)
5. Organizes the information in a clear, engaging way for a newsletter format

When writing the summary:
- Start with the most important developments
- Group related stories together
- Include relevant context when needed
- Keep a professional but engaging tone
- Include links to the original articles when referencing specific stories
- Use British English

If an article doesn't contain enough information for a summary, use its text as given. Ignore articles without a summary.

Articles to analyze:
%[2]s

Return exactly one JSON object in this format:
{
    "section_title": "A clear title for this category's section",
    "summary": "The full summary with markdown links to articles",
    "actionable_tasks": [
        {
            "task": "Short task title",
            "description": "Detailed description of what needs to be done"
        }
    ]
}

For the summary field:
- Use markdown format
- Include section headers with two asterisks
- Format URLs as [text](url)
- No HTML tags

If there aren't enough articles to summarize, return:
{
    "section_title": "No Summary Available",
    "summary": "Insufficient information available from the provided articles to create a meaningful summary.",
    "actionable_tasks": []
}

Return only the JSON with no additional text or formatting. The JSON should be minified with no unnecessary whitespace or newlines.`

// BuildPrompt renders the user prompt for one category.
func BuildPrompt(category, excerpts string) string {
	return fmt.Sprintf(summaryPrompt, category, excerpts)
}

// RenderExcerpts formats items for the prompt. Summaries are reduced to
// plain text.
func RenderExcerpts(items []model.Item) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		author := it.Author
		if author == "" {
			author = "Unknown"
		}
		fmt.Fprintf(&b, "Title: %s\nURL: %s\nAuthor: %s\nSummary: %s\n",
			it.Title, it.URL, author, PlainText(it.Summary))
	}
	return b.String()
}

// PlainText strips markup from an HTML fragment and collapses whitespace.
// Text that does not parse is returned trimmed.
func PlainText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
