package solver

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

var (
	submitURLRe = regexp.MustCompile(`(?i)(https?://[^\s'"<>]+/submit[^\s'"<>]*)`)
	atobRe      = regexp.MustCompile("(?s)atob\\(`([^`]+)`\\)")
	numberRe    = regexp.MustCompile(`[-+]?\d{1,3}(?:,\d{3})*(?:\.\d+)?|\d+\.\d+|\d+`)
	sumHintRe   = regexp.MustCompile(`(?i)\b(sum|total|subtotal|aggregate|answer)\b`)
	colPageRe   = regexp.MustCompile(`(?is)sum of the ["']?([A-Za-z0-9 _-]+)["']? column.*?page\s*(\d+)`)
)

// ParseDocument parses an HTML document into a node tree.
func ParseDocument(raw string) (*html.Node, error) {
	return html.Parse(strings.NewReader(raw))
}

// FindSubmitURL locates the submit endpoint the page advertises: a /submit
// URL anywhere in the markup, a URL inside embedded <pre> JSON, or one in
// the visible text.
func FindSubmitURL(rawHTML, visibleText string) string {
	if m := submitURLRe.FindString(rawHTML); m != "" {
		return m
	}
	if doc, err := ParseDocument(rawHTML); err == nil {
		if u := submitURLFromPreJSON(doc); u != "" {
			return u
		}
	}
	return submitURLRe.FindString(visibleText)
}

// submitURLFromPreJSON scans <pre> blocks for JSON whose string values
// mention a /submit endpoint.
func submitURLFromPreJSON(doc *html.Node) string {
	for _, pre := range findAll(doc, "pre") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(textOf(pre)), &obj); err != nil {
			continue
		}
		for _, v := range obj {
			if s, ok := v.(string); ok && strings.Contains(s, "/submit") {
				return s
			}
		}
	}
	return ""
}

// DecodeAtobBlobs decodes base64 content embedded as atob(`...`) in page
// scripts. Undecodable blobs are skipped; decoded text is capped so huge
// payloads cannot balloon the outcome.
func DecodeAtobBlobs(rawHTML string) []string {
	var out []string
	for _, m := range atobRe.FindAllStringSubmatch(rawHTML, -1) {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m[1]))
		if err != nil {
			continue
		}
		text := string(decoded)
		if len(text) > 2000 {
			text = text[:2000]
		}
		out = append(out, text)
	}
	return out
}

// ExtractLinks returns every anchor href resolved against the page URL.
func ExtractLinks(doc *html.Node, pageURL string) []string {
	base, _ := url.Parse(pageURL)
	var out []string
	for _, a := range findAll(doc, "a") {
		href := attrOf(a, "href")
		if href == "" {
			continue
		}
		if base != nil {
			if ref, err := url.Parse(href); err == nil {
				href = base.ResolveReference(ref).String()
			}
		}
		out = append(out, href)
	}
	return out
}

// ParseNumber finds a likely numeric answer in free text. When the text
// hints at a sum it returns the largest number found, otherwise the first.
func ParseNumber(text string) (float64, bool) {
	if text == "" {
		return 0, false
	}
	text = strings.ReplaceAll(text, "–", "-")
	var parsed []float64
	for _, m := range numberRe.FindAllString(text, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
		if err != nil {
			continue
		}
		parsed = append(parsed, v)
	}
	if len(parsed) == 0 {
		return 0, false
	}
	if sumHintRe.MatchString(text) {
		max := parsed[0]
		for _, v := range parsed[1:] {
			if v > max {
				max = v
			}
		}
		return max, true
	}
	return parsed[0], true
}

// FindColumnPageHint parses instructions of the form
// "sum of the 'value' column ... page 2".
func FindColumnPageHint(text string) (column string, page int, ok bool) {
	m := colPageRe.FindStringSubmatch(text)
	if m == nil {
		return "", 0, false
	}
	page, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return strings.TrimSpace(m[1]), page, true
}

// SumTableColumn sums the named column of the first table in the document.
// Falls back to the first column whose body cells are numeric when the
// named header is absent.
func SumTableColumn(doc *html.Node, column string) (float64, bool) {
	tables := findAll(doc, "table")
	if len(tables) == 0 {
		return 0, false
	}

	var rows [][]string
	for _, tr := range findAll(tables[0], "tr") {
		var cells []string
		for c := tr.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
				cells = append(cells, strings.TrimSpace(textOf(c)))
			}
		}
		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	}
	if len(rows) < 2 {
		return 0, false
	}

	header, body := rows[0], rows[1:]
	target := -1
	for i, h := range header {
		if strings.EqualFold(h, column) {
			target = i
			break
		}
	}
	if target < 0 {
		target = firstNumericColumn(header, body)
	}
	if target < 0 {
		return 0, false
	}

	var sum float64
	found := false
	for _, row := range body {
		if target >= len(row) {
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(row[target], ",", ""), 64)
		if err != nil {
			continue
		}
		sum += v
		found = true
	}
	return sum, found
}

func firstNumericColumn(header []string, body [][]string) int {
	for col := range header {
		numeric := 0
		for _, row := range body {
			if col >= len(row) {
				continue
			}
			if _, err := strconv.ParseFloat(strings.ReplaceAll(row[col], ",", ""), 64); err == nil {
				numeric++
			}
		}
		if numeric > 0 && numeric >= len(body)/2 {
			return col
		}
	}
	return -1
}

// findAll collects element nodes with the given tag, in document order.
func findAll(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == tag {
			out = append(out, node)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// textOf concatenates the text nodes under n.
func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func attrOf(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
