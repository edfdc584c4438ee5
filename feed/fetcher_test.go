package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ISO-Serious/serious-threat-intelligence/apperr"
	"github.com/ISO-Serious/serious-threat-intelligence/pubdate"
)

var collectedAt = time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)

func readFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile("../testdata/" + name)
	require.NoError(t, err)
	return string(data)
}

func TestParse_RSS2(t *testing.T) {
	res, err := Parse(readFixture(t, "rss2.xml"))
	require.NoError(t, err)

	assert.Equal(t, "Test RSS Feed", res.Title)
	require.Len(t, res.Entries, 3, "Should parse 3 entries from RSS feed")

	first := res.Entries[0]
	assert.Contains(t, first.Title, "dropper campaign")
	assert.Equal(t, "https://example.com/entry-1", first.Link)
	assert.Equal(t, "Jane Analyst", first.Author)
	assert.Contains(t, first.Summary, "first test entry")
	assert.Contains(t, first.Content, "<b>HTML</b>", "structured content wins over description")
	assert.Equal(t,
		time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		pubdate.Normalize(first.Dates, collectedAt))

	second := res.Entries[1]
	assert.Equal(t, "Second entry description only.", second.Content, "description is the content fallback")
	assert.Equal(t,
		time.Date(2024, 3, 10, 11, 0, 0, 0, time.UTC),
		pubdate.Normalize(second.Dates, collectedAt))

	third := res.Entries[2]
	assert.Empty(t, third.Dates.Texts)
	assert.Equal(t, collectedAt, pubdate.Normalize(third.Dates, collectedAt))
}

func TestParse_Atom(t *testing.T) {
	res, err := Parse(readFixture(t, "atom.xml"))
	require.NoError(t, err)

	assert.Equal(t, "Test Atom Feed", res.Title)
	require.Len(t, res.Entries, 2, "Should parse 2 entries from Atom feed")

	first := res.Entries[0]
	assert.Equal(t, "First Atom Entry", first.Title)
	assert.Equal(t, "https://example.com/atom-entry-1", first.Link)
	assert.Equal(t, "Atom Author", first.Author)
	assert.Contains(t, first.Content, "HTML content")
	assert.Equal(t,
		time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC),
		pubdate.Normalize(first.Dates, collectedAt))

	second := res.Entries[1]
	assert.Equal(t, "Second Atom Entry", second.Title)
	assert.Equal(t,
		time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC),
		pubdate.Normalize(second.Dates, collectedAt))
}

func TestParse_InvalidFeed(t *testing.T) {
	for _, content := range []string{
		"",
		"   ",
		"<invalid>xml</broken>",
		"<?xml version='1.0'?><root><item>not a feed</item></root>",
	} {
		_, err := Parse(content)
		require.Error(t, err, content)
		assert.Equal(t, apperr.MalformedPayload, apperr.KindOf(err))
	}
}

func TestParse_HandlesEmptyContent(t *testing.T) {
	minimalRSS := `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Minimal Feed</title>
    <item>
      <title>Entry with no content</title>
      <link>https://example.com/minimal</link>
      <guid>minimal-1</guid>
    </item>
  </channel>
</rss>`

	res, err := Parse(minimalRSS)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)

	assert.Equal(t, "Entry with no content", res.Entries[0].Title)
	assert.Equal(t, "", res.Entries[0].Content)
	assert.Equal(t, "", res.Entries[0].Author)
}

func TestFetcher_Fetch(t *testing.T) {
	body := readFixture(t, "rss2.xml")

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), "sti-test/1.0")
	res, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, res.Entries, 3)
	assert.Equal(t, "sti-test/1.0", gotUA)
}

func TestFetcher_FetchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), "").Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, apperr.Transport, apperr.KindOf(err))

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestFetcher_FetchNotAFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), "").Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, apperr.MalformedPayload, apperr.KindOf(err))
}

func TestFetcher_FetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewFetcher(srv.Client(), "").Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.Equal(t, apperr.Transport, apperr.KindOf(err))
}

func TestFetcher_FetchInvalidURL(t *testing.T) {
	_, err := NewFetcher(nil, "").Fetch(context.Background(), "://not-a-url")
	require.Error(t, err)
	assert.Equal(t, apperr.Transport, apperr.KindOf(err))
}
