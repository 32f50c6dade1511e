package timeline

import (
	"regexp"
	"strings"
)

// maxTodos caps the derived todo list after dedup.
const maxTodos = 100

var (
	checklistRe = regexp.MustCompile(`^\s*[-*]\s*\[([ xX])\]\s*(.+)$`)
	markerRe    = regexp.MustCompile(`(?i)^\s*(?:next|todo|tbd|次にやること|次にやる|次|やること)\s*[:：]\s*(.+)$`)
	planHeadRe  = regexp.MustCompile(`(?i)^\s*(?:plan|計画)\s*[:：]\s*$`)
	numberedRe  = regexp.MustCompile(`^\s*\d+[.)]\s*(.+)$`)
)

// todoStoplist filters placeholder answers that carry no actionable content.
var todoStoplist = map[string]struct{}{
	"none":     {},
	"n/a":      {},
	"na":       {},
	"なし":       {},
	"特になし":     {},
	"ありません":    {},
	"特にありません": {},
}

// ParseMarkdownTodos scans markdown text line by line for GitHub-style
// checklist items, single-line next/todo/tbd markers (English and Japanese),
// and a Plan:/計画: header followed by consecutive numbered lines. A blank
// line terminates a plan section.
func ParseMarkdownTodos(text string) []TodoItem {
	var todos []TodoItem
	inPlan := false

	for _, line := range strings.Split(text, "\n") {
		if inPlan {
			if strings.TrimSpace(line) == "" {
				inPlan = false
				continue
			}
			if m := numberedRe.FindStringSubmatch(line); m != nil {
				todos = appendTodo(todos, m[1], false)
				continue
			}
			inPlan = false
		}

		if m := checklistRe.FindStringSubmatch(line); m != nil {
			todos = appendTodo(todos, m[2], m[1] != " ")
			continue
		}
		if m := markerRe.FindStringSubmatch(line); m != nil {
			todos = appendTodo(todos, m[1], false)
			continue
		}
		if planHeadRe.MatchString(line) {
			inPlan = true
		}
	}
	return todos
}

func appendTodo(todos []TodoItem, text string, done bool) []TodoItem {
	t := strings.TrimSpace(text)
	if t == "" {
		return todos
	}
	if _, stopped := todoStoplist[strings.ToLower(t)]; stopped {
		return todos
	}
	return append(todos, TodoItem{Text: t, Done: done})
}

// MergeTodos deduplicates candidates by trimmed text, keeping first-seen
// order. Done is sticky: once any candidate for a text is done, the merged
// entry stays done regardless of arrival order. The result is capped at 100
// entries.
func MergeTodos(lists ...[]TodoItem) []TodoItem {
	var order []string
	byText := make(map[string]bool)

	for _, list := range lists {
		for _, todo := range list {
			text := strings.TrimSpace(todo.Text)
			if text == "" {
				continue
			}
			done, seen := byText[text]
			if !seen {
				order = append(order, text)
			}
			byText[text] = done || todo.Done
		}
	}

	if len(order) > maxTodos {
		order = order[:maxTodos]
	}
	out := make([]TodoItem, 0, len(order))
	for _, text := range order {
		out = append(out, TodoItem{Text: text, Done: byText[text]})
	}
	return out
}

// ExtractTodos recomputes the derived todo list from a block snapshot. Only
// assistant and thought blocks are scanned.
func ExtractTodos(blocks []Block) []TodoItem {
	var lists [][]TodoItem
	for _, b := range blocks {
		if b.Kind != KindAssistant && b.Kind != KindThought {
			continue
		}
		if todos := ParseMarkdownTodos(b.Body); len(todos) > 0 {
			lists = append(lists, todos)
		}
	}
	return MergeTodos(lists...)
}
