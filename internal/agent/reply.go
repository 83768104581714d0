package agent

import (
	"regexp"
	"strings"
)

// thinkRe matches reasoning blocks emitted by local reasoning models.
var thinkRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// toolCallFenceRe matches ```tool_call {...}``` blocks that some models
// print instead of using native tool calls.
var toolCallFenceRe = regexp.MustCompile("(?s)```tool_call\\s*\n.*?\n\\s*```")

// xmlToolBlockRe matches XML tool-use blocks that leak into content.
var xmlToolBlockRe = regexp.MustCompile(`(?s)(?:` +
	`<function_calls>.*?</function_calls>` +
	`|<invoke\b[^>]*>.*?</invoke>` +
	`|<tool_call\b[^>]*>.*?</tool_call>` +
	`|<tool_use\b[^>]*>.*?</tool_use>` +
	`)`)

// whitespaceLineRe matches lines containing only horizontal whitespace.
var whitespaceLineRe = regexp.MustCompile(`(?m)^[ \t]+$`)

// blankLineCollapseRe collapses 3+ consecutive newlines to one blank line.
var blankLineCollapseRe = regexp.MustCompile(`\n{3,}`)

// cleanReply strips reasoning and tool-use artifacts from assistant text
// so only the user-facing reply remains.
func cleanReply(text string) string {
	if text == "" {
		return ""
	}
	cleaned := thinkRe.ReplaceAllString(text, "")
	cleaned = toolCallFenceRe.ReplaceAllString(cleaned, "\n\n")
	cleaned = xmlToolBlockRe.ReplaceAllString(cleaned, "\n\n")
	cleaned = whitespaceLineRe.ReplaceAllString(cleaned, "")
	cleaned = blankLineCollapseRe.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}
