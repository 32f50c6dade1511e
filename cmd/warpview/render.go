package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/codexwarp/warpview/store"
	"github.com/codexwarp/warpview/timeline"
	"github.com/codexwarp/warpview/usage"
)

func renderBlocks(sb *strings.Builder, blocks []timeline.Block) {
	for _, b := range blocks {
		header := blockHeader(b)
		fmt.Fprintln(sb, header)
		if b.Body != "" {
			for _, line := range strings.Split(b.Body, "\n") {
				fmt.Fprintf(sb, "  %s\n", line)
			}
		}
	}
}

func blockHeader(b timeline.Block) string {
	title := b.Title
	if b.Subtitle != "" {
		title += " " + color.HiBlackString(b.Subtitle)
	}
	switch b.Status {
	case timeline.BlockRunning:
		return color.YellowString("● ") + title
	case timeline.BlockFailed:
		return color.RedString("✗ ") + title
	default:
		return color.GreenString("✓ ") + title
	}
}

func renderPlan(sb *strings.Builder, plan *timeline.PlanState) {
	if plan == nil || len(plan.Steps) == 0 {
		return
	}
	fmt.Fprintln(sb, color.CyanString("Plan"))
	if plan.Explanation != "" {
		fmt.Fprintf(sb, "  %s\n", color.HiBlackString(plan.Explanation))
	}
	for _, step := range plan.Steps {
		mark := "[ ]"
		switch step.Status {
		case timeline.StepInProgress:
			mark = color.YellowString("[~]")
		case timeline.StepCompleted:
			mark = color.GreenString("[x]")
		}
		fmt.Fprintf(sb, "  %s %s\n", mark, step.Text)
	}
}

func renderTodos(sb *strings.Builder, todos []timeline.TodoItem) {
	if len(todos) == 0 {
		return
	}
	fmt.Fprintln(sb, color.CyanString("Todos"))
	for _, todo := range todos {
		mark := "[ ]"
		if todo.Done {
			mark = color.GreenString("[x]")
		}
		fmt.Fprintf(sb, "  %s %s\n", mark, todo.Text)
	}
}

func renderMetrics(sb *strings.Builder, m *timeline.ContextMetrics) {
	if m == nil {
		return
	}
	pct := fmt.Sprintf("%d%% context left", m.ContextLeftPct)
	if m.ContextLeftPct <= 20 {
		pct = color.RedString(pct)
	}
	fmt.Fprintf(sb, "%s (%d / %d tokens)\n", pct, m.ContextUsedTokens, m.ContextWindow)
}

func renderConclusion(sb *strings.Builder, text string) {
	if text == "" {
		return
	}
	fmt.Fprintln(sb, color.CyanString("Conclusion"))
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		fmt.Fprintf(sb, "  %s\n", line)
	}
}

func renderSessions(sb *strings.Builder, sessions []*store.SessionMeta) {
	if len(sessions) == 0 {
		fmt.Fprintln(sb, "No sessions.")
		return
	}
	for _, m := range sessions {
		status := string(m.Status)
		switch m.Status {
		case store.StatusRunning:
			status = color.YellowString(status)
		case store.StatusError:
			status = color.RedString(status)
		default:
			status = color.GreenString(status)
		}
		when := color.HiBlackString(time.UnixMilli(m.LastUsedAtMs).Format("2006-01-02 15:04"))
		fmt.Fprintf(sb, "%-36s  %-18s  %s  %s\n", m.ID, status, when, m.Title)
	}
}

func renderUsage(sb *strings.Builder, days []usage.DailyUsage) {
	if len(days) == 0 {
		fmt.Fprintln(sb, "No usage recorded.")
		return
	}
	fmt.Fprintf(sb, "%-12s %6s %12s %12s %12s %12s\n",
		"day", "runs", "total", "input", "output", "cached")
	for _, d := range days {
		fmt.Fprintf(sb, "%-12s %6d %12d %12d %12d %12d\n",
			d.Day, d.Runs, d.TotalTokens, d.InputTokens, d.OutputTokens, d.CachedInputTokens)
	}
}
