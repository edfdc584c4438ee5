package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/ISO-Serious/serious-threat-intelligence/digest"
	"github.com/ISO-Serious/serious-threat-intelligence/model"
)

const (
	formatJSON     = "json"
	formatMarkdown = "markdown"
	formatPretty   = "pretty"

	defaultWrapWidth = 100
)

func validFormat(f string) bool {
	return f == formatJSON || f == formatMarkdown || f == formatPretty
}

// renderDigest writes d to stdout in the requested format.
func renderDigest(d model.Digest, format string) error {
	switch format {
	case formatMarkdown:
		_, err := fmt.Fprint(os.Stdout, digest.Markdown(d))
		return err
	case formatPretty:
		out, err := prettyMarkdown(digest.Markdown(d))
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(os.Stdout, out)
		return err
	default:
		return outputJSON(d)
	}
}

// prettyMarkdown styles markdown for the terminal. Output that is not a
// terminal gets the plain "notty" style.
func prettyMarkdown(content string) (string, error) {
	style := "notty"
	width := defaultWrapWidth

	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		style = "dark"
		if w, _, err := term.GetSize(fd); err == nil && w > 20 {
			width = w - 2
		}
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("create markdown renderer: %w", err)
	}
	return r.Render(content)
}
