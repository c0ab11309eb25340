package reporter

import "fmt"

// summarizeTool renders a tool-start log line body (without the leading
// "> " marker) from the first of path/command/query/task/url/text present
// in args, truncated to ~180 chars.
func summarizeTool(toolName string, args map[string]any) string {
	for _, key := range []string{"path", "command", "query", "task", "url", "text"} {
		v, ok := args[key]
		if !ok {
			continue
		}
		return fmt.Sprintf("%s %s=%s", toolName, key, truncate(fmt.Sprint(v), 180))
	}
	return toolName
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// chunk is one packed archive message: its rendered text and how many
// pending-archive lines it consumes. Tracking lineCount per chunk is what
// lets a partial flush failure retain exactly the unsent suffix.
type chunk struct {
	text      string
	lineCount int
}

const archiveHeader = "progress log (continued):"

// packChunks packs lines into one or more chunk, each headed by
// archiveHeader and bounded to limit chars.
func packChunks(lines []string, limit int) []chunk {
	var chunks []chunk
	var cur []string
	curLen := len(archiveHeader)

	flush := func() {
		if len(cur) == 0 {
			return
		}
		text := archiveHeader
		for _, l := range cur {
			text += "\n" + l
		}
		chunks = append(chunks, chunk{text: text, lineCount: len(cur)})
		cur = nil
		curLen = len(archiveHeader)
	}

	for _, line := range lines {
		add := len(line) + 1
		if len(cur) > 0 && curLen+add > limit {
			flush()
		}
		cur = append(cur, line)
		curLen += add
	}
	flush()
	return chunks
}
