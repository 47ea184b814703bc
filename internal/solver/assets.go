package solver

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// download fetches rawURL into destDir and returns the local path. Both
// http(s) URLs and data: URIs are supported, matching what quiz pages embed.
func (s *Solver) download(ctx context.Context, rawURL, destDir string) (string, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return saveDataURI(rawURL, destDir)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("asset request returned HTTP %d", resp.StatusCode)
	}

	name := fileNameFor(rawURL, resp.Header.Get("Content-Disposition"))
	path := filepath.Join(destDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	return path, nil
}

// saveDataURI decodes a data: URI into a file named by its MIME subtype.
func saveDataURI(uri, destDir string) (string, error) {
	header, b64, ok := strings.Cut(uri, ",")
	if !ok {
		return "", errors.New("malformed data URI")
	}
	ext := "bin"
	if m := regexp.MustCompile(`data:([^;]+)`).FindStringSubmatch(header); m != nil {
		if _, sub, found := strings.Cut(m[1], "/"); found {
			ext = sub
		}
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode data URI: %w", err)
	}
	path := filepath.Join(destDir, "downloaded."+ext)
	return path, os.WriteFile(path, raw, 0o644)
}

// fileNameFor derives a local file name from the Content-Disposition header
// or the URL path.
func fileNameFor(rawURL, disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if fn := params["filename"]; fn != "" {
				return filepath.Base(fn)
			}
		}
	}
	trimmed := rawURL
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if name := filepath.Base(trimmed); name != "" && name != "." && name != "/" {
		return name
	}
	return "downloaded"
}

// SumCSVColumn sums the named column of a CSV file, matching the header
// case-insensitively. Without a matching header the first column with
// numeric values is used.
func SumCSVColumn(path, column string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return 0, err
	}
	if len(records) < 2 {
		return 0, errors.New("csv has no data rows")
	}

	header, body := records[0], records[1:]
	target := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), column) {
			target = i
			break
		}
	}
	if target < 0 {
		target = firstNumericColumn(header, body)
	}
	if target < 0 {
		return 0, errors.New("no numeric column found")
	}

	var sum float64
	found := false
	for _, row := range body {
		if target >= len(row) {
			continue
		}
		v, perr := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(row[target]), ",", ""), 64)
		if perr != nil {
			continue
		}
		sum += v
		found = true
	}
	if !found {
		return 0, errors.New("no numeric values in target column")
	}
	return sum, nil
}
