package transcript

import "fmt"

const maxCommandLen = 200

// ToolSummary renders a tool invocation as one searchable line, keeping the
// argument that identifies the call and dropping the raw payload.
func ToolSummary(name string, input map[string]any) string {
	switch name {
	case "Read", "Edit", "Write":
		return fmt.Sprintf("[%s] %s", name, str(input, "file_path"))
	case "Bash":
		return "[Bash] " + clip(str(input, "command"), maxCommandLen)
	case "Grep":
		return fmt.Sprintf("[Grep] pattern=%s path=%s", str(input, "pattern"), str(input, "path"))
	case "Glob":
		return "[Glob] " + str(input, "pattern")
	case "Task":
		return "[Task] " + str(input, "description")
	case "WebSearch":
		return "[WebSearch] " + str(input, "query")
	case "WebFetch":
		return "[WebFetch] " + str(input, "url")
	default:
		return "[" + name + "]"
	}
}

func str(input map[string]any, key string) string {
	v, ok := input[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
