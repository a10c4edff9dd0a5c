package web

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.statusCode == 0 { // no explicit status yet => implies 200
		lrw.WriteHeader(http.StatusOK)
	}
	return lrw.ResponseWriter.Write(b)
}

func urlencode(s string) (string, error) {
	return url.PathEscape(s), nil
}

type NavBar []*NavBarItem

type NavBarItem struct {
	path        string
	queryParams map[string]string
	params      []string
	Title       string
	Active      bool
}

func (n *NavBarItem) URI() string {
	var u url.URL
	u.Path = n.path
	q := make(url.Values)
	for k, v := range n.queryParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (n *NavBarItem) Params(params ...string) *NavBarItem {
	n.params = params
	return n
}

func (n *NavBarItem) ParamsList() string {
	return strings.Join(n.params, ",")
}

func NavItem(path, title string) *NavBarItem {
	return &NavBarItem{
		path:        path,
		Title:       title,
		queryParams: make(map[string]string),
	}
}

func NewNavBar(items ...*NavBarItem) NavBar {
	return items
}

// SetActive marks the item whose path is a prefix of activePath as active.
func (ns NavBar) SetActive(activePath string) NavBar {
	activePath = strings.TrimSuffix(activePath, "/")
	for _, n := range ns {
		p := strings.TrimSuffix(n.path, "/")
		if activePath == p || strings.HasPrefix(activePath, p+"/") {
			n.Active = true
			break
		}
	}
	return ns
}

func (ns NavBar) SetParam(key, value string) NavBar {
	for _, n := range ns {
		if slices.Contains(n.params, key) {
			n.queryParams[key] = value
		}
	}
	return ns
}

func (ns NavBar) SetParams(q url.Values) NavBar {
	for k := range q {
		if v := q.Get(k); v != "" {
			ns = ns.SetParam(k, v)
		}
	}
	return ns
}

// READMEs are third-party content.
var readmePolicy = bluemonday.UGCPolicy()

func renderMarkdown(input string) ([]byte, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(input), &buf); err != nil {
		return nil, fmt.Errorf("failed to process markdown: %v", err)
	}
	return readmePolicy.SanitizeBytes(buf.Bytes()), nil
}

func markdown(input string) (template.HTML, error) {
	html, err := renderMarkdown(input)
	if err != nil {
		return "", err
	}
	return template.HTML(html), nil
}

const maxSummaryLen = 200

// readmeSummary returns the text of the first paragraph of a markdown document.
func readmeSummary(readme string) string {
	if strings.TrimSpace(readme) == "" {
		return ""
	}
	html, err := renderMarkdown(readme)
	if err != nil {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return ""
	}
	summary := strings.Join(strings.Fields(doc.Find("p").First().Text()), " ")
	if r := []rune(summary); len(r) > maxSummaryLen {
		summary = string(r[:maxSummaryLen-1]) + "…"
	}
	return summary
}
