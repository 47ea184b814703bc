package solver

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// pdfLiteralRe pulls literal strings out of PDF content stream text
// operators. Crude but sufficient for locating numbers in generated quiz
// PDFs; a full text-layout reconstruction is not needed here.
var pdfLiteralRe = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)`)

// ExtractPDFPageText extracts the raw content of one PDF page (1-based) and
// returns the text found in its literal string operators.
func ExtractPDFPageText(path string, page int) (string, error) {
	if page < 1 {
		page = 1
	}
	outDir, err := os.MkdirTemp(filepath.Dir(path), "content-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(outDir)

	pages := []string{strconv.Itoa(page)}
	if err := api.ExtractContentFile(path, outDir, pages, nil); err != nil {
		return "", fmt.Errorf("extract pdf content: %w", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, rerr := os.ReadFile(filepath.Join(outDir, e.Name()))
		if rerr != nil {
			continue
		}
		sb.WriteString(pdfStreamText(string(raw)))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// pdfStreamText joins the literal strings of a content stream, unescaping
// the common sequences.
func pdfStreamText(stream string) string {
	var sb strings.Builder
	for _, m := range pdfLiteralRe.FindAllStringSubmatch(stream, -1) {
		lit := m[1]
		lit = strings.ReplaceAll(lit, `\(`, "(")
		lit = strings.ReplaceAll(lit, `\)`, ")")
		lit = strings.ReplaceAll(lit, `\\`, `\`)
		sb.WriteString(lit)
		sb.WriteString(" ")
	}
	return strings.TrimSpace(sb.String())
}
