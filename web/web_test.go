package web

import (
	"io"
	"strings"
	"testing"

	"github.com/ccollins476ad/implayerfetch/dispatch"
	"github.com/ccollins476ad/implayerfetch/download"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

// walk calls fn for n and every node below it, depth first.
func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func elements(n *html.Node, tag string) []*html.Node {
	var found []*html.Node
	walk(n, func(c *html.Node) {
		if c.Type == html.ElementNode && c.Data == tag {
			found = append(found, c)
		}
	})
	return found
}

func text(n *html.Node) string {
	sb := strings.Builder{}
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	})
	return sb.String()
}

// readReport returns the cell text of every result row in a report.
func readReport(t *testing.T, r io.Reader) [][]string {
	t.Helper()
	doc, err := html.Parse(r)
	require.NoError(t, err)

	var rows [][]string
	for _, tr := range elements(doc, "tr") {
		var row []string
		for _, td := range elements(tr, "td") {
			row = append(row, text(td))
		}
		if row != nil {
			rows = append(rows, row)
		}
	}
	return rows
}

// reportLinks returns every href in a report, in document order.
func reportLinks(t *testing.T, r io.Reader) []string {
	t.Helper()
	doc, err := html.Parse(r)
	require.NoError(t, err)

	var links []string
	for _, a := range elements(doc, "a") {
		for _, attr := range a.Attr {
			if attr.Key == "href" {
				links = append(links, attr.Val)
			}
		}
	}
	return links
}

func testSummary() *dispatch.Summary {
	return &dispatch.Summary{
		Succeeded: 2,
		Failed:    1,
		Skipped:   1,
		Results: []download.Result{
			{
				Task:      download.Task{URL: "http://m3u4u.com/epg/3wk1y24kx7uzdevxygz7", Dest: "iMPlayer/epgbrasil.xml.gz"},
				Attempts:  3,
				Failure:   &download.Failure{Kind: download.HTTPStatus, StatusCode: 503},
				Succeeded: false,
			},
			{
				Task:         download.Task{URL: "https://gitlab.com/p/-/raw/main/m3u4u_proton.me.m3u?a=1&b=<2>", Dest: "iMPlayer/m3u@proton.me.m3u"},
				Succeeded:    true,
				Attempts:     1,
				BytesWritten: 42,
				Digest:       "5d41402abc4b2a76b9719d911017c592",
			},
			{
				Task:      download.Task{URL: "http://m3u4u.com/m3u/3wk1y24kx7uzdevxygz7", Dest: "iMPlayer/epgbrasil.m3u"},
				Succeeded: true,
				Skipped:   true,
			},
		},
	}
}

func TestBuildReport(t *testing.T) {
	page := BuildReport("iMPlayer <run>", testSummary())

	assert.True(t, strings.HasPrefix(page, "<!DOCTYPE html>"))
	assert.Contains(t, page, "<title>iMPlayer &lt;run&gt;</title>")
	assert.NotContains(t, page, "<2>")

	rows := readReport(t, strings.NewReader(page))
	require.Len(t, rows, 3)

	// Rows are ordered by destination.
	assert.Equal(t, []string{"skipped", "http://m3u4u.com/m3u/3wk1y24kx7uzdevxygz7", "epgbrasil.m3u", "0", "0", "", ""}, rows[0])
	assert.Equal(t, []string{"failed", "http://m3u4u.com/epg/3wk1y24kx7uzdevxygz7", "epgbrasil.xml.gz", "3", "0", "", "http status 503"}, rows[1])
	assert.Equal(t, "https://gitlab.com/p/-/raw/main/m3u4u_proton.me.m3u?a=1&b=<2>", rows[2][1])
	assert.Equal(t, "42", rows[2][4])
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", rows[2][5])
	assert.Len(t, rows[0], len(ReportColumns))
}

func TestBuildReportStatusColumn(t *testing.T) {
	page := BuildReport("run", testSummary())
	assert.Contains(t, page, `<td class="skipped">skipped</td>`)
}

func TestReportLinks(t *testing.T) {
	page := BuildReport("run", testSummary())

	links := reportLinks(t, strings.NewReader(page))
	assert.Equal(t, []string{"epgbrasil.m3u", "m3u@proton.me.m3u"}, links)
}

func TestBuildReportEmpty(t *testing.T) {
	page := BuildReport("run", &dispatch.Summary{})

	rows := readReport(t, strings.NewReader(page))
	assert.Empty(t, rows)
	assert.Contains(t, page, "succeeded=0 failed=0")
}
