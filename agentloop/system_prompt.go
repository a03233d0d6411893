package agentloop

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// PromptEnv is what the system prompt knows about where the agent runs.
type PromptEnv struct {
	Model        string
	Provider     string
	VolumeRoot   string
	OutputPath   string
	SkillsDir    string
	SkillSummary string
	Now          time.Time
}

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(env PromptEnv) string {
	now := env.Now
	if now.IsZero() {
		now = time.Now()
	}
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Output folder: %s\n", env.OutputPath)
	if env.VolumeRoot != "" {
		fmt.Fprintf(&sb, "Volume root: %s\n", env.VolumeRoot)
	}
	if env.SkillsDir != "" {
		fmt.Fprintf(&sb, "Skills directory: %s\n", env.SkillsDir)
	}
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", now.Format("2006-01-02"))
	if env.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", env.Model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

const basePrompt = `You are a document generation assistant. You create, convert and edit documents such as Word files, spreadsheets, slide decks and PDFs by following skills: bundles of instructions and helper scripts for one kind of document.

Workflow:
1. Use list_skills to see what is available and load_skill to read the instructions for the document type you need. Follow them closely.
2. Produce the document with execute_javascript or execute_bash. Shell commands share one working directory for the whole conversation.
3. Save every deliverable with save_to_volume. A binary or large execute_javascript result is kept for you; call save_to_volume without content_base64 to store it.
4. Use read_from_volume before working on an existing file, then use source_doc_bytes in execute_javascript. copy_to_session brings in files from another conversation.

When a tool fails, read the error and try a corrected call. Finish with a short summary naming the files you saved.`

// BuildSystemPrompt assembles the full system prompt.
func BuildSystemPrompt(env PromptEnv) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)
	sb.WriteString("\n\n")
	if env.SkillSummary != "" {
		sb.WriteString("# Available skills\n\n")
		sb.WriteString(strings.TrimRight(env.SkillSummary, "\n"))
		sb.WriteString("\n\n")
	}
	sb.WriteString(BuildEnvironmentContext(env))
	return sb.String()
}
