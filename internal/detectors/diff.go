package detectors

import (
	"path"
	"regexp"
	"strconv"
	"strings"
)

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

type diffLine struct {
	Line int
	Text string
}

type diffFile struct {
	Path    string
	Added   []diffLine
	Removed []diffLine
}

// parseDiff reads a unified diff. Hunk line counts decide what is content, so
// a removed line that itself starts with "--" is not mistaken for a header.
// Text without any headers is treated as a single anonymous file.
func parseDiff(diff string) []diffFile {
	if strings.TrimSpace(diff) == "" {
		return nil
	}
	var files []diffFile
	cur := -1
	oldLine, newLine := 1, 1
	oldLeft, newLeft := 0, 0
	headerless := true
	var oldPath string
	start := func(path string) {
		files = append(files, diffFile{Path: path})
		cur = len(files) - 1
		oldLine, newLine = 1, 1
	}
	for _, line := range strings.Split(diff, "\n") {
		line = strings.TrimSuffix(line, "\r")
		inHunk := oldLeft > 0 || newLeft > 0
		switch {
		case inHunk && strings.HasPrefix(line, "+"):
			files[cur].Added = append(files[cur].Added, diffLine{Line: newLine, Text: line[1:]})
			newLine++
			newLeft--
		case inHunk && strings.HasPrefix(line, "-"):
			files[cur].Removed = append(files[cur].Removed, diffLine{Line: oldLine, Text: line[1:]})
			oldLine++
			oldLeft--
		case inHunk && strings.HasPrefix(line, "\\"):
			// "\ No newline at end of file"
		case inHunk:
			oldLine++
			newLine++
			oldLeft--
			newLeft--
		case strings.HasPrefix(line, "diff --git "):
			headerless = false
			oldPath = ""
		case strings.HasPrefix(line, "--- "):
			headerless = false
			oldPath = stripDiffPrefix(strings.TrimPrefix(line, "--- "))
		case strings.HasPrefix(line, "+++ "):
			headerless = false
			path := stripDiffPrefix(strings.TrimPrefix(line, "+++ "))
			if path == "/dev/null" {
				path = oldPath
			}
			start(path)
		case strings.HasPrefix(line, "@@"):
			headerless = false
			if cur < 0 {
				start("")
			}
			m := hunkHeader.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			oldLine, _ = strconv.Atoi(m[1])
			newLine, _ = strconv.Atoi(m[3])
			oldLeft, newLeft = hunkCount(m[2]), hunkCount(m[4])
		case headerless && strings.HasPrefix(line, "+"):
			if cur < 0 {
				start("")
			}
			files[cur].Added = append(files[cur].Added, diffLine{Line: newLine, Text: line[1:]})
			newLine++
		case headerless && strings.HasPrefix(line, "-"):
			if cur < 0 {
				start("")
			}
			files[cur].Removed = append(files[cur].Removed, diffLine{Line: oldLine, Text: line[1:]})
			oldLine++
		case headerless:
			oldLine++
			newLine++
		}
	}
	return files
}

func hunkCount(s string) int {
	if s == "" {
		return 1
	}
	n, _ := strconv.Atoi(s)
	return n
}

func stripDiffPrefix(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexByte(path, '\t'); i >= 0 {
		path = path[:i]
	}
	if strings.HasPrefix(path, "a/") || strings.HasPrefix(path, "b/") {
		return path[2:]
	}
	return path
}

func diffPaths(files []diffFile) []string {
	var out []string
	for _, f := range files {
		if f.Path != "" {
			out = append(out, f.Path)
		}
	}
	return out
}

func diffHasChanges(files []diffFile) bool {
	for _, f := range files {
		if len(f.Added) > 0 || len(f.Removed) > 0 {
			return true
		}
	}
	return false
}

func location(path string, line int) string {
	if path == "" {
		return "line " + strconv.Itoa(line)
	}
	return path + ":" + strconv.Itoa(line)
}

func isTestFile(path string) bool {
	p := strings.ToLower(path)
	base := p
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		base = p[i+1:]
	}
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"),
		strings.HasSuffix(base, "_test.py"),
		strings.Contains(base, ".test."),
		strings.Contains(base, ".spec."):
		return true
	}
	return strings.HasPrefix(p, "tests/") || strings.HasPrefix(p, "test/") ||
		strings.Contains(p, "/tests/") || strings.Contains(p, "/test/") || strings.Contains(p, "__tests__/")
}

// pairedTests returns the changed test files that sit next to, or share a
// name stem with, a changed non-test file. Unrelated tests and code in the
// same change do not pair.
func pairedTests(paths []string) []string {
	seen := map[string]bool{}
	var tests []string
	codeDirs := map[string]bool{}
	codeStems := map[string]bool{}
	for _, p := range paths {
		p = strings.TrimPrefix(path.Clean(strings.TrimSpace(p)), "./")
		if p == "." || seen[p] {
			continue
		}
		seen[p] = true
		if isTestFile(p) {
			tests = append(tests, p)
			continue
		}
		codeDirs[path.Dir(p)] = true
		codeStems[fileStem(p)] = true
	}
	var out []string
	for _, t := range tests {
		if codeDirs[path.Dir(t)] || codeStems[testStem(t)] {
			out = append(out, t)
		}
	}
	return out
}

func fileStem(p string) string {
	base := strings.ToLower(path.Base(p))
	return strings.TrimSuffix(base, path.Ext(base))
}

// testStem maps calc_test.go, test_calc.py, calc.test.ts and calc.spec.ts
// to "calc".
func testStem(p string) string {
	base := strings.ToLower(path.Base(p))
	switch {
	case strings.HasSuffix(base, "_test.go"):
		return strings.TrimSuffix(base, "_test.go")
	case strings.HasSuffix(base, "_test.py"):
		return strings.TrimSuffix(base, "_test.py")
	case strings.HasPrefix(base, "test_"):
		return fileStem(strings.TrimPrefix(base, "test_"))
	}
	for _, marker := range []string{".test.", ".spec."} {
		if i := strings.Index(base, marker); i > 0 {
			return base[:i]
		}
	}
	return fileStem(base)
}
