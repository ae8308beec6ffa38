package flow

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const toolArgsLogLimit = 512

// toolArgsForLog trims raw tool arguments to a size that is safe to put in a log line.
// The cut never splits a multibyte rune.
func toolArgsForLog(raw json.RawMessage) string {
	args := strings.TrimSpace(string(raw))
	if len(args) <= toolArgsLogLimit {
		return args
	}
	cut := toolArgsLogLimit
	for cut > 0 && !utf8.RuneStart(args[cut]) {
		cut--
	}
	return args[:cut] + "...(truncated)"
}
