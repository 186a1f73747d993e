// Package taskparse turns a line of free text into a task using keywords.
//
// Priority comes from words like "urgent" or "later", the due date from
// "today", "tomorrow" or a YYYY-MM-DD date, and subtasks from an
// "including A, B and C" or "first X then Y" phrase. Chinese keywords are
// matched as substrings since the text has no word breaks.
package taskparse

import (
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"tasksync/internal/service"
)

// MaxTitleLen is the longest title kept, in runes. Longer input is cut and
// kept whole in the notes.
const MaxTitleLen = 50

type keywords struct {
	words []string // matched as whole words, case-insensitive
	cjk   []string // matched as substrings
}

func (k keywords) match(words map[string]bool, text string) bool {
	for _, w := range k.words {
		if words[w] {
			return true
		}
	}
	for _, s := range k.cjk {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// Checked in order; the first match wins.
var priorityKeywords = []struct {
	priority service.Priority
	keywords
}{
	{service.PriorityUrgent, keywords{words: []string{"urgent", "asap", "immediately"}, cjk: []string{"紧急", "马上"}}},
	{service.PriorityHigh, keywords{words: []string{"important", "high", "critical"}, cjk: []string{"重要", "高"}}},
	{service.PriorityLow, keywords{words: []string{"low", "later", "someday", "eventually"}, cjk: []string{"低", "有空"}}},
}

var (
	today    = keywords{words: []string{"today", "tonight"}, cjk: []string{"今天", "今晚"}}
	tomorrow = keywords{words: []string{"tomorrow"}, cjk: []string{"明天"}}

	datePattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)

	// "including A, B", "includes: A", "包括A、B"
	includePattern = regexp.MustCompile(`(?i)(?:\s*[,;]?\s*\b(?:including\b|includes?\s*:)\s*|\s*[,，]?\s*包括[:：]?)`)
	// "first X then Y", "X then Y", "先X再Y"
	thenPattern    = regexp.MustCompile(`(?i)\s*[,;]?\s*\bthen\b\s*`)
	cjkThenPattern = regexp.MustCompile(`\s*[,，]?\s*再`)
	firstPattern   = regexp.MustCompile(`(?i)^(?:first\b|先)`)

	listSeparator = regexp.MustCompile(`(?i)\s*(?:[,;，；、]|\band\b|和)\s*`)
)

// Parse builds a task from free text. now sets the meaning of "today".
// Anything not recognised stays in the title; an input with no keywords
// becomes a MEDIUM task titled with the input.
func Parse(input string, now time.Time) service.Task {
	input = strings.TrimSpace(input)
	task := service.Task{Priority: service.PriorityMedium}
	if input == "" {
		return task
	}

	lower := strings.ToLower(input)
	words := wordSet(lower)

	for _, pk := range priorityKeywords {
		if pk.match(words, lower) {
			task.Priority = pk.priority
			break
		}
	}
	task.Due = dueDate(words, lower, now)

	title := input
	if head, items, ok := splitIncluding(input); ok {
		title = head
		task.Subtasks = items
	} else if items := splitSteps(input); len(items) > 1 {
		task.Subtasks = items
	}

	title = strings.TrimRight(strings.TrimSpace(title), ",:;，：；、")
	if title == "" {
		title = input
	}
	if utf8.RuneCountInString(title) > MaxTitleLen {
		task.Notes = input
		title = string([]rune(title)[:MaxTitleLen]) + "..."
	}
	task.Title = title
	return task
}

// dueDate prefers an explicit date, then tomorrow, then today.
func dueDate(words map[string]bool, lower string, now time.Time) *time.Time {
	var day time.Time
	switch {
	case datePattern.MatchString(lower):
		d, err := time.Parse("2006-01-02", datePattern.FindString(lower))
		if err != nil {
			return nil
		}
		day = d
	case tomorrow.match(words, lower):
		day = now.AddDate(0, 0, 1)
	case today.match(words, lower):
		day = now
	default:
		return nil
	}
	due := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return &due
}

func splitIncluding(input string) (string, []service.Subtask, bool) {
	loc := includePattern.FindStringIndex(input)
	if loc == nil || strings.TrimSpace(input[:loc[0]]) == "" {
		return "", nil, false
	}
	items := subtasks(listSeparator.Split(input[loc[1]:], -1))
	if len(items) == 0 {
		return "", nil, false
	}
	return input[:loc[0]], items, true
}

func splitSteps(input string) []service.Subtask {
	sep := thenPattern
	if strings.HasPrefix(input, "先") {
		sep = cjkThenPattern
	}
	parts := sep.Split(firstPattern.ReplaceAllString(input, ""), -1)
	if len(parts) < 2 {
		return nil
	}
	return subtasks(parts)
}

func subtasks(parts []string) []service.Subtask {
	var out []service.Subtask
	for _, p := range parts {
		p = strings.TrimFunc(p, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r)
		})
		if p != "" {
			out = append(out, service.Subtask{Title: p})
		}
	}
	return out
}

func wordSet(lower string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	return words
}
