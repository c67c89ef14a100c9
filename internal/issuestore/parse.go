package issuestore

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// idPattern recognizes both filename conventions from spec.md §3 invariant
// (ii): an optional leading priority prefix "P<n>-" followed by
// "<PREFIX>-<N>-<slug>.md".
var idPattern = regexp.MustCompile(`^(?:P(\d+)-)?([A-Z][A-Z0-9]*)-(\d+)-(.+)\.md$`)

// ParsedFilename is the result of matching a task filename against the ID grammar.
type ParsedFilename struct {
	Priority   int // -1 if not present in filename
	Prefix     string
	Number     string
	Slug       string
	HasPriority bool
}

// ParseFilename extracts the priority prefix (if present), category prefix,
// number, and slug from a task filename. Returns ok=false if the filename
// does not match the grammar at all.
func ParseFilename(name string) (ParsedFilename, bool) {
	m := idPattern.FindStringSubmatch(name)
	if m == nil {
		return ParsedFilename{}, false
	}
	pf := ParsedFilename{Prefix: m[2], Number: m[3], Slug: m[4]}
	if m[1] != "" {
		p, err := strconv.Atoi(m[1])
		if err == nil {
			pf.Priority = p
			pf.HasPriority = true
		}
	}
	return pf, true
}

// h1Pattern matches the first ATX-style H1 heading in a markdown body.
var h1Pattern = regexp.MustCompile(`(?m)^#\s+(.+?)\s*$`)

// blockedByHeader matches the "## Blocked By" / "## Depends On" section header.
var blockedByHeader = regexp.MustCompile(`(?mi)^##\s+(Blocked By|Depends On)\s*$`)

// bulletLine matches one bulleted dependency line, e.g. "- BUG-12" or "* BUG-12: reason".
var bulletLine = regexp.MustCompile(`^[-*]\s+([A-Z][A-Z0-9]*-\d+)`)

// ParseFile reads a task file, tolerantly extracting front matter, title,
// and dependencies. Malformed content never causes a crash: it produces a
// partial record and a non-fatal Warning. A file that cannot be read
// returns an error and no record.
func ParseFile(path string) (*Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	content := string(data)
	frontMatter, body, fmWarning := splitFrontMatter(content)

	issue := &Issue{
		Path:        path,
		FrontMatter: frontMatter,
		Body:        body,
		Status:      StatusOpen,
	}

	if title := h1Pattern.FindStringSubmatch(body); title != nil {
		issue.Title = title[1]
	} else {
		issue.Warning = appendWarning(issue.Warning, "no H1 title found")
	}

	issue.DependsOn = parseDependsOn(body)

	if fm, ok := frontMatter["status"].(string); ok && fm != "" {
		issue.Status = Status(fm)
	}

	if fmWarning != "" {
		issue.Warning = appendWarning(issue.Warning, fmWarning)
	}

	return issue, nil
}

// splitFrontMatter extracts an optional leading "---\n...\n---\n" YAML block.
// It never returns an error: a malformed block is reported as a warning and
// treated as if absent, so discovery never crashes on a bad file.
func splitFrontMatter(content string) (map[string]any, string, string) {
	const delim = "---"
	if !strings.HasPrefix(content, delim) {
		return map[string]any{}, content, ""
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if len(lines) == 0 || lines[0] != delim {
		return map[string]any{}, content, ""
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if lines[i] == delim {
			end = i
			break
		}
	}
	if end == -1 {
		return map[string]any{}, content, "unterminated front matter block"
	}

	raw := strings.Join(lines[1:end], "\n")
	rest := strings.Join(lines[end+1:], "\n")

	var fm map[string]any
	if err := yaml.Unmarshal([]byte(raw), &fm); err != nil {
		return map[string]any{}, content, fmt.Sprintf("malformed front matter: %s", err)
	}
	if fm == nil {
		fm = map[string]any{}
	}
	return fm, rest, ""
}

// SerializeFrontMatter renders front matter back to a "---\n...\n---\n" block
// using a proper YAML serializer, so colon-bearing values and URLs round-trip
// safely (spec.md §6 "Task file format").
func SerializeFrontMatter(fm map[string]any, body string) (string, error) {
	if len(fm) == 0 {
		return body, nil
	}
	data, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("serializing front matter: %w", err)
	}
	return "---\n" + string(data) + "---\n" + body, nil
}

func parseDependsOn(body string) []string {
	loc := blockedByHeader.FindStringIndex(body)
	if loc == nil {
		return nil
	}
	rest := body[loc[1]:]

	// Stop at the next "## " heading, if any.
	if next := regexp.MustCompile(`(?m)^##\s+`).FindStringIndex(rest); next != nil {
		rest = rest[:next[0]]
	}

	var ids []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(rest, "\n") {
		m := bulletLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	return ids
}

func appendWarning(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "; " + addition
}
