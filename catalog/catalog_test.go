package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ISO-Serious/serious-threat-intelligence/model"
)

func TestLoad_FeedsYAML(t *testing.T) {
	sources, err := Load("../testdata/feeds.yaml")
	require.NoError(t, err)
	require.Len(t, sources, 4)

	assert.Equal(t, model.Source{
		URL:      "https://www.bleepingcomputer.com/feed/",
		Name:     "BleepingComputer",
		Category: "News",
		Active:   true,
	}, sources[0])
	assert.Equal(t, model.DefaultCategory, sources[2].Category)
	assert.False(t, sources[3].Active)
}

func TestLoad_FeedsJSON(t *testing.T) {
	sources, err := Load("../testdata/feeds.json")
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "News", sources[0].Category)
	assert.Equal(t, "SANS Internet Storm Center", sources[1].Name)
	assert.Equal(t, model.DefaultCategory, sources[1].Category)
}

func TestLoad_OPML(t *testing.T) {
	sources, err := Load("../testdata/feeds.opml")
	require.NoError(t, err)
	require.Len(t, sources, 3)

	assert.Equal(t, "CISA Advisories", sources[0].Name)
	assert.Equal(t, "Vulnerabilities", sources[0].Category, "folder text is the category")
	assert.Equal(t, "Exploits", sources[1].Category, "explicit category wins")
	assert.Equal(t, "ZDI Published", sources[1].Name)
	assert.Equal(t, model.DefaultCategory, sources[2].Category)
	for _, src := range sources {
		assert.True(t, src.Active)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_SniffsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	data, err := os.ReadFile("../testdata/feeds.opml")
	require.NoError(t, err)
	path := filepath.Join(dir, "sources.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	sources, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, sources, 3)
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path string
		data string
		want Format
	}{
		{"feeds.yaml", "", FormatFeeds},
		{"feeds.YML", "", FormatFeeds},
		{"feeds.json", "", FormatFeeds},
		{"subs.opml", "", FormatOPML},
		{"subs.xml", "", FormatOPML},
		{"list", "  <?xml version=\"1.0\"?>", FormatOPML},
		{"list", "feeds: []", FormatFeeds},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat(tt.path, []byte(tt.data)))
		})
	}
}

func TestParseFeeds_Validation(t *testing.T) {
	input := `
feeds:
  - url: https://a.example.com/rss
  - name: no url here
  - url: https://a.example.com/rss
`
	_, err := ParseFeeds(strings.NewReader(input))
	require.Error(t, err)

	var fe criterio.FieldErrors
	require.ErrorAs(t, err, &fe)
	require.Len(t, fe, 2)
	assert.Equal(t, "feeds[1].url", fe[0].Field)
	assert.Equal(t, "feeds[2].url", fe[1].Field)
}

func TestParseFeeds_Empty(t *testing.T) {
	sources, err := ParseFeeds(strings.NewReader("  \n"))
	require.NoError(t, err)
	assert.Empty(t, sources)

	_, err = ParseFeeds(strings.NewReader("feeds: [unterminated"))
	assert.Error(t, err)
}

func TestParseOPML_InvalidXML(t *testing.T) {
	_, err := ParseOPML(strings.NewReader(`<invalid>xml</broken>`))
	assert.Error(t, err)
}

func TestParseOPML_MissingXmlUrl(t *testing.T) {
	opmlContent := `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <body>
    <outline type="rss" text="Valid Feed" xmlUrl="https://example.com/feed"/>
    <outline type="rss" text="Invalid Feed"/>
  </body>
</opml>`

	sources, err := ParseOPML(strings.NewReader(opmlContent))
	require.NoError(t, err)
	require.Len(t, sources, 1, "Should skip outlines without xmlUrl")
	assert.Equal(t, "https://example.com/feed", sources[0].URL)
	assert.Equal(t, "Valid Feed", sources[0].Name)
}

func TestWriteOPML(t *testing.T) {
	sources := []model.Source{
		{URL: "https://example.com/v2", Name: "Zeta", Category: "Vulnerabilities"},
		{URL: "https://example.com/m1", Name: "Alpha", Category: "Malware"},
		{URL: "https://example.com/v1", Name: "Beta", Category: "Vulnerabilities"},
		{URL: "https://example.com/feed?id=1&type=rss", Name: "Feed with & < >"},
	}

	var buf strings.Builder
	require.NoError(t, WriteOPML(&buf, sources, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, `<?xml version="1.0" encoding="UTF-8"?>`))
	assert.Contains(t, out, `<opml version="2.0">`)
	assert.Contains(t, out, "<dateCreated>Sun, 10 Mar 2024 12:00:00 UTC</dateCreated>")
	assert.Contains(t, out, `xmlUrl="https://example.com/feed?id=1&amp;type=rss"`)

	// folders sorted by name, then members by name
	general := strings.Index(out, `text="General"`)
	malware := strings.Index(out, `text="Malware"`)
	beta := strings.Index(out, `title="Beta"`)
	zeta := strings.Index(out, `title="Zeta"`)
	assert.True(t, general < malware && malware < beta && beta < zeta)
}

func TestOPML_RoundTrip(t *testing.T) {
	original := []model.Source{
		{URL: "https://example.com/feed1", Name: "Feed 1", Category: "Malware", Active: true},
		{URL: "https://example.com/feed2", Name: "Feed 2", Category: "Policy", Active: true},
	}

	var buf strings.Builder
	require.NoError(t, WriteOPML(&buf, original, time.Now()))

	parsed, err := ParseOPML(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}
