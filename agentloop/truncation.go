package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// DefaultObservationLimit caps tools without their own limit.
const DefaultObservationLimit = 30000

// DefaultToolCharLimits bounds each tool's observation before it reaches
// the model.
var DefaultToolCharLimits = map[string]int{
	ToolLoadSkill:         60000,
	ToolExecuteBash:       40000,
	ToolExecuteJavaScript: 20000,
	ToolListVolumeFiles:   20000,
	ToolListSkills:        10000,
}

// DefaultTruncationModes picks which end of an observation survives.
var DefaultTruncationModes = map[string]TruncationMode{
	ToolLoadSkill:         TruncateHeadTail,
	ToolExecuteBash:       TruncateTail,
	ToolExecuteJavaScript: TruncateHeadTail,
	ToolListVolumeFiles:   TruncateHeadTail,
}

// DefaultToolLineLimits applies after character truncation.
var DefaultToolLineLimits = map[string]int{
	ToolListVolumeFiles: 500,
}

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	removed := len(output) - maxChars
	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed.]\n\n", removed) +
			output[len(output)-maxChars:]
	}
	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"Re-run the tool with more targeted parameters to see specific parts.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines applies line-based truncation using head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies character then line truncation for a tool.
// charLimits overrides DefaultToolCharLimits per tool.
func TruncateToolOutput(output, toolName string, charLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = DefaultObservationLimit
		}
	}
	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}

	result := TruncateOutput(output, maxChars, mode)
	if maxLines := DefaultToolLineLimits[toolName]; maxLines > 0 {
		result = TruncateLines(result, maxLines)
	}
	return result
}
