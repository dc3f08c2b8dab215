package verify

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// toolCounts is the pass/fail/skip (or error/warning) tally extracted
// from one tool family's output.
type toolCounts struct {
	passed  int
	failed  int
	skipped int

	errors   int
	warnings int

	tallied   bool // a test tally was found in the output
	issueTool bool // lint/typecheck family reporting issues, not tests
}

type outputParser func(output string, exitCode int) toolCounts

// parserFor selects a parser by tool family. Unrecognized commands get
// the generic exit-code parser.
func parserFor(command string) outputParser {
	switch {
	case strings.Contains(command, "pytest"):
		return parsePytest
	case strings.Contains(command, "go test"):
		return parseGoTest
	case strings.Contains(command, "go vet"):
		return parseGoVet
	case strings.Contains(command, "cargo test"):
		return parseCargoTest
	case strings.Contains(command, "clippy"):
		return parseClippy
	case strings.Contains(command, "cargo check"):
		return parseCargoCheck
	case strings.Contains(command, "ruff"):
		return parseRuff
	case strings.Contains(command, "eslint"):
		return parseESLint
	case strings.Contains(command, "golangci-lint"):
		return parseGolangci
	case strings.Contains(command, "mypy"):
		return parseMypy
	case strings.Contains(command, "tsc"):
		return parseTsc
	case strings.Contains(command, "npm"), strings.Contains(command, "jest"), strings.Contains(command, "yarn"):
		return parseJest
	default:
		return parseGeneric
	}
}

func parseGeneric(string, int) toolCounts { return toolCounts{} }

var (
	pytestPassed  = regexp.MustCompile(`(\d+) passed`)
	pytestFailed  = regexp.MustCompile(`(\d+) failed`)
	pytestSkipped = regexp.MustCompile(`(\d+) skipped`)
	pytestErrors  = regexp.MustCompile(`(\d+) error`)
)

// parsePytest reads the summary line, e.g. "5 passed, 2 failed, 1 skipped".
// Errored tests count as failures.
func parsePytest(output string, _ int) toolCounts {
	c := toolCounts{}
	if m := pytestPassed.FindStringSubmatch(output); m != nil {
		c.passed, _ = strconv.Atoi(m[1])
		c.tallied = true
	}
	if m := pytestFailed.FindStringSubmatch(output); m != nil {
		n, _ := strconv.Atoi(m[1])
		c.failed += n
		c.tallied = true
	}
	if m := pytestSkipped.FindStringSubmatch(output); m != nil {
		c.skipped, _ = strconv.Atoi(m[1])
		c.tallied = true
	}
	if m := pytestErrors.FindStringSubmatch(output); m != nil {
		n, _ := strconv.Atoi(m[1])
		c.failed += n
		c.tallied = true
	}
	return c
}

// parseGoTest reads go test -json event lines, counting per-test
// pass/fail/skip actions.
func parseGoTest(output string, _ int) toolCounts {
	c := toolCounts{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var event struct {
			Action string `json:"Action"`
			Test   string `json:"Test"`
		}
		if json.Unmarshal([]byte(line), &event) != nil {
			continue
		}
		if event.Test == "" {
			continue // package-level event
		}
		switch event.Action {
		case "pass":
			c.passed++
			c.tallied = true
		case "fail":
			c.failed++
			c.tallied = true
		case "skip":
			c.skipped++
			c.tallied = true
		}
	}
	return c
}

var cargoResult = regexp.MustCompile(`test result: (ok|FAILED)\. (\d+) passed; (\d+) failed; (\d+) ignored`)

// parseCargoTest reads "test result: ok. X passed; Y failed; Z ignored"
// lines, summing across crates.
func parseCargoTest(output string, _ int) toolCounts {
	c := toolCounts{}
	for _, m := range cargoResult.FindAllStringSubmatch(output, -1) {
		p, _ := strconv.Atoi(m[2])
		f, _ := strconv.Atoi(m[3])
		s, _ := strconv.Atoi(m[4])
		c.passed += p
		c.failed += f
		c.skipped += s
		c.tallied = true
	}
	return c
}

var jestTally = regexp.MustCompile(`Tests:.*?(\d+) passed`)

// parseJest prefers the --json reporter payload and falls back to the
// "Tests: X failed, Y passed" text summary.
func parseJest(output string, exitCode int) toolCounts {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start >= 0 && end > start {
		var data struct {
			Success        bool `json:"success"`
			NumTotalTests  int  `json:"numTotalTests"`
			NumFailedTests int  `json:"numFailedTests"`
			NumPending     int  `json:"numPendingTests"`
		}
		if json.Unmarshal([]byte(output[start:end+1]), &data) == nil && data.NumTotalTests > 0 {
			return toolCounts{
				passed:  data.NumTotalTests - data.NumFailedTests - data.NumPending,
				failed:  data.NumFailedTests,
				skipped: data.NumPending,
				tallied: true,
			}
		}
	}

	c := toolCounts{}
	if m := jestTally.FindStringSubmatch(output); m != nil {
		c.passed, _ = strconv.Atoi(m[1])
		c.tallied = true
	}
	if m := regexp.MustCompile(`(\d+) failed`).FindStringSubmatch(output); m != nil {
		c.failed, _ = strconv.Atoi(m[1])
		c.tallied = true
	}
	return c
}

// parseRuff reads the JSON diagnostics array; E/F codes are errors,
// everything else warnings. Non-JSON output falls back to substring
// counting like the tool's own plain formatter.
func parseRuff(output string, _ int) toolCounts {
	c := toolCounts{issueTool: true}
	var issues []struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &issues); err == nil {
		for _, issue := range issues {
			if strings.HasPrefix(issue.Code, "E") || strings.HasPrefix(issue.Code, "F") {
				c.errors++
			} else {
				c.warnings++
			}
		}
		return c
	}
	c.errors = strings.Count(strings.ToLower(output), "error")
	c.warnings = strings.Count(strings.ToLower(output), "warning")
	return c
}

// parseESLint reads the JSON formatter output; severity 2 is an error.
func parseESLint(output string, _ int) toolCounts {
	c := toolCounts{issueTool: true}
	var files []struct {
		Messages []struct {
			Severity int `json:"severity"`
		} `json:"messages"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &files); err == nil {
		for _, f := range files {
			for _, m := range f.Messages {
				if m.Severity == 2 {
					c.errors++
				} else {
					c.warnings++
				}
			}
		}
		return c
	}
	c.errors = strings.Count(strings.ToLower(output), "error")
	c.warnings = strings.Count(strings.ToLower(output), "warning")
	return c
}

// parseGolangci reads the JSON report; every issue counts as an error.
func parseGolangci(output string, exitCode int) toolCounts {
	c := toolCounts{issueTool: true}
	var report struct {
		Issues []json.RawMessage `json:"Issues"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &report); err == nil {
		c.errors = len(report.Issues)
		return c
	}
	if exitCode != 0 {
		for _, line := range strings.Split(output, "\n") {
			if strings.TrimSpace(line) != "" {
				c.errors++
			}
		}
	}
	return c
}

// parseClippy reads cargo's JSON message stream.
func parseClippy(output string, _ int) toolCounts {
	c := toolCounts{issueTool: true}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var msg struct {
			Reason  string `json:"reason"`
			Message struct {
				Level string `json:"level"`
			} `json:"message"`
		}
		if json.Unmarshal([]byte(line), &msg) != nil || msg.Reason != "compiler-message" {
			continue
		}
		switch msg.Message.Level {
		case "error":
			c.errors++
		case "warning":
			c.warnings++
		}
	}
	return c
}

var cargoCheckError = regexp.MustCompile(`error(\[E\d+\])?:`)

func parseCargoCheck(output string, _ int) toolCounts {
	return toolCounts{
		issueTool: true,
		errors:    len(cargoCheckError.FindAllString(output, -1)),
		warnings:  strings.Count(output, "warning:"),
	}
}

var mypyFound = regexp.MustCompile(`Found (\d+) errors?`)

// parseMypy reads the "Found N errors in M files" summary, falling back
// to counting ": error:" diagnostic lines.
func parseMypy(output string, _ int) toolCounts {
	c := toolCounts{issueTool: true}
	if m := mypyFound.FindStringSubmatch(output); m != nil {
		c.errors, _ = strconv.Atoi(m[1])
		return c
	}
	c.errors = strings.Count(output, ": error:")
	c.warnings = strings.Count(output, ": note:")
	return c
}

var tscError = regexp.MustCompile(`error TS\d+`)

func parseTsc(output string, _ int) toolCounts {
	return toolCounts{
		issueTool: true,
		errors:    len(tscError.FindAllString(output, -1)),
	}
}

// parseGoVet counts diagnostic lines; vet has no structured output and
// prints one finding per line.
func parseGoVet(output string, exitCode int) toolCounts {
	c := toolCounts{issueTool: true}
	if exitCode == 0 {
		return c
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c.errors++
	}
	return c
}
