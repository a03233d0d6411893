package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/martinemde/docagent/unifiedllm"
)

// DefaultLoopWindow is how many recent tool calls loop detection inspects.
const DefaultLoopWindow = 10

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentToolCallSignatures returns up to count signatures of the latest
// tool calls, oldest first.
func recentToolCallSignatures(messages []unifiedllm.Message, count int) []string {
	var sigs []string
	for i := len(messages) - 1; i >= 0 && len(sigs) < count; i-- {
		if messages[i].Role != unifiedllm.RoleAssistant {
			continue
		}
		calls := messages[i].ToolCalls()
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(calls[j].Name, calls[j].Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop checks if the last windowSize tool calls follow a repeating
// pattern of length 1, 2, or 3.
func DetectLoop(messages []unifiedllm.Message, windowSize int) bool {
	if windowSize <= 1 {
		return false
	}
	sigs := recentToolCallSignatures(messages, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i++ {
			if sigs[i] != sigs[i%patternLen] {
				allMatch = false
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
