package engine

import "strings"

// Op names the kind of remote operation a message describes.
type Op string

const (
	OpList     Op = "list"
	OpRead     Op = "read"
	OpDownload Op = "download"
	OpWatch    Op = "watch"
)

// knownMessages maps substrings of error text to readable messages. The first match
// wins, so more specific entries come first.
var knownMessages = []struct {
	substr  string
	message string
}{
	{"no such file", "File or directory not found"},
	{"not found", "File or directory not found"},
	{"permission denied", "Permission denied"},
	{"forbidden", "Permission denied"},
	{"unauthorized", "Not authorized to access the sandbox"},
	{"deadline exceeded", "The sandbox did not respond in time"},
	{"timeout", "The sandbox did not respond in time"},
	{"timed out", "The sandbox did not respond in time"},
	{"context canceled", "The request was cancelled"},
	{"connection refused", "Cannot connect to the sandbox"},
	{"connection reset", "Connection to the sandbox was lost"},
	{"broken pipe", "Connection to the sandbox was lost"},
	{"connection closed", "Connection to the sandbox was lost"},
	{"watch closed", "Connection to the sandbox was lost"},
	{"eof", "Connection to the sandbox was lost"},
	{"unsupported", "This operation is not supported by the sandbox"},
	{"is a directory", "Cannot open a directory as a file"},
	{"not a directory", "Not a directory"},
	{"too large", "File is too large to display"},
}

var fallbackMessages = map[Op]string{
	OpList:     "Failed to load directory",
	OpRead:     "Failed to read file",
	OpDownload: "Failed to get download link",
	OpWatch:    "Live updates are unavailable",
}

// Message returns the readable message for err raised by op.
func Message(op Op, err error) string {
	if err == nil {
		return ""
	}
	text := strings.ToLower(err.Error())
	for _, known := range knownMessages {
		if strings.Contains(text, known.substr) {
			return known.message
		}
	}
	if msg, ok := fallbackMessages[op]; ok {
		return msg
	}
	return "Something went wrong"
}
