package web

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ccollins476ad/implayerfetch/dispatch"
	"github.com/ccollins476ad/implayerfetch/download"
	"golang.org/x/net/html"
)

// ReportColumns are the header cells of the results table, in order.
var ReportColumns = []string{"status", "url", "file", "attempts", "bytes", "md5", "reason"}

// BuildReport constructs an html web page listing the outcome of every task
// in a run, ordered by destination. Saved files are linked relative to the
// output directory so the page can be written next to them.
func BuildReport(title string, s *dispatch.Summary) string {
	results := append([]download.Result(nil), s.Results...)
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Task.Dest < results[j].Task.Dest
	})

	sb := strings.Builder{}

	sb.WriteString(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
`)
	sb.WriteString(fmt.Sprintf("<title>%s</title>\n", html.EscapeString(title)))
	sb.WriteString(`</head>
<body>
`)
	sb.WriteString(fmt.Sprintf("<h1>%s</h1>\n", html.EscapeString(title)))
	sb.WriteString(fmt.Sprintf("<p id=\"summary\">%s</p>\n", html.EscapeString(s.String())))

	sb.WriteString("<table>\n<tr>")
	for _, c := range ReportColumns {
		sb.WriteString("<th>" + c + "</th>")
	}
	sb.WriteString("</tr>\n")

	for _, r := range results {
		sb.WriteString(buildRow(r))
	}

	sb.WriteString(`</table>
</body>
</html>
`)

	return sb.String()
}

func buildRow(r download.Result) string {
	name := filepath.Base(r.Task.Dest)

	file := html.EscapeString(name)
	if r.Succeeded {
		file = fmt.Sprintf("<a href=\"%s\">%s</a>", html.EscapeString(name), html.EscapeString(name))
	}

	reason := ""
	if r.Failure != nil {
		reason = r.Failure.Error()
	}

	cells := []string{
		fmt.Sprintf("<td class=\"%s\">%s</td>", r.Status(), r.Status()),
		fmt.Sprintf("<td>%s</td>", html.EscapeString(r.Task.URL)),
		fmt.Sprintf("<td>%s</td>", file),
		fmt.Sprintf("<td>%d</td>", r.Attempts),
		fmt.Sprintf("<td>%d</td>", r.BytesWritten),
		fmt.Sprintf("<td>%s</td>", r.Digest),
		fmt.Sprintf("<td>%s</td>", html.EscapeString(reason)),
	}

	return "<tr>" + strings.Join(cells, "") + "</tr>\n"
}
