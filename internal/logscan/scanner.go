// Package logscan extracts failed test scenarios from build and simulator logs.
//
// Two formats are recognized: KIF scenario blocks and XCTest case results.
// Lines outside a recognized block are ignored. Scanning is pure: the input is
// never modified and identical input always yields identical output.
package logscan

import (
	"regexp"
	"strings"
)

var (
	// 2011-11-28 12:00:00.000 App[123:4567] message
	nslogPrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}[.:]\d{3} \S+\[\d+:[0-9a-fA-F]+\] `)

	kifBegin        = regexp.MustCompile(`BEGIN SCENARIO\b`)
	kifEnd          = regexp.MustCompile(`END OF SCENARIO\b`)
	kifFailingError = regexp.MustCompile(`^FAILING ERROR:\s*(.*)$`)
	kifFailStep     = regexp.MustCompile(`^FAIL\b(?:\s*\([^)]*\))?:?\s*(.*)$`)
	kifStep         = regexp.MustCompile(`^(PASS|FAIL)\b`)

	xcError    = regexp.MustCompile(`error: -\[(\S+) (\S+)\] : (.*)$`)
	xcCaseDone = regexp.MustCompile(`^Test Case '-\[(\S+) (\S+)\]' (passed|failed)\b`)
)

// IncompleteReason is reported for a scenario that began but never ended,
// typically because the app crashed.
const IncompleteReason = "scenario did not complete"

// Summary counts scenario outcomes in a log.
type Summary struct {
	Scenarios int      `json:"scenarios"`
	Passed    int      `json:"passed"`
	Failed    int      `json:"failed"`
	Failures  []string `json:"failures"`
}

// Scanner is stateless and safe for concurrent use.
type Scanner struct{}

// New returns a Scanner.
func New() *Scanner { return &Scanner{} }

// FailureSummaries returns one "<description>: <reason>" entry per failed
// scenario, in log order. A log without failures yields an empty slice.
func (s *Scanner) FailureSummaries(lines []string) []string {
	return s.Summarize(lines).Failures
}

// Summarize scans lines and counts passed and failed scenarios.
func (s *Scanner) Summarize(lines []string) Summary {
	sum := Summary{Failures: make([]string, 0)}

	var kif *kifScenario
	xcReasons := make(map[string]string)

	finishKIF := func(complete bool) {
		if kif == nil {
			return
		}
		sum.Scenarios++
		switch {
		case kif.failed:
			sum.Failed++
			sum.Failures = append(sum.Failures, kif.summary())
		case !complete:
			kif.reason = IncompleteReason
			sum.Failed++
			sum.Failures = append(sum.Failures, kif.summary())
		default:
			sum.Passed++
		}
		kif = nil
	}

	for _, raw := range lines {
		line := strings.TrimSpace(StripNSLogPrefix(raw))
		if line == "" {
			continue
		}

		if kifBegin.MatchString(line) {
			finishKIF(false)
			kif = &kifScenario{}
			continue
		}
		if kif != nil {
			if kifEnd.MatchString(line) {
				finishKIF(true)
				continue
			}
			kif.observe(line)
			continue
		}

		if m := xcError.FindStringSubmatch(line); m != nil {
			key := m[1] + " " + m[2]
			if _, seen := xcReasons[key]; !seen {
				xcReasons[key] = strings.TrimSpace(m[3])
			}
			continue
		}
		if m := xcCaseDone.FindStringSubmatch(line); m != nil {
			key := m[1] + " " + m[2]
			sum.Scenarios++
			if m[3] == "passed" {
				sum.Passed++
			} else {
				sum.Failed++
				reason := xcReasons[key]
				if reason == "" {
					reason = "failed"
				}
				sum.Failures = append(sum.Failures, key+": "+reason)
			}
			delete(xcReasons, key)
		}
	}
	finishKIF(false)
	return sum
}

// StripNSLogPrefix removes a leading NSLog timestamp and process tag.
func StripNSLogPrefix(line string) string {
	if loc := nslogPrefix.FindStringIndex(line); loc != nil {
		return line[loc[1]:]
	}
	return line
}

type kifScenario struct {
	description string
	failed      bool
	failedStep  string
	reason      string
}

func (k *kifScenario) observe(line string) {
	if m := kifFailingError.FindStringSubmatch(line); m != nil {
		k.failed = true
		if k.reason == "" {
			k.reason = strings.TrimSpace(m[1])
		}
		return
	}
	if m := kifFailStep.FindStringSubmatch(line); m != nil {
		k.failed = true
		if k.failedStep == "" {
			k.failedStep = strings.TrimSpace(m[1])
		}
		return
	}
	if k.description == "" && !kifStep.MatchString(line) {
		k.description = line
	}
}

func (k *kifScenario) summary() string {
	desc := k.description
	if desc == "" {
		desc = "Unnamed scenario"
	}
	reason := k.reason
	if reason == "" {
		reason = k.failedStep
	}
	if reason == "" {
		reason = "failed"
	}
	return desc + ": " + reason
}
