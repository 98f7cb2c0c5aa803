package proxy

import (
	"regexp"
	"strings"

	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// promptPattern matches an exec or privileged prompt on its own line,
// e.g. "r1>", "core-sw01#", "ise/admin#", "n9k(config)#".
var promptPattern = regexp.MustCompile(`^[\w.\-@/:()~]+[>#]\s*$`)

type dialectSpec struct {
	prepCommands []string
	exitCommand  string
}

var dialects = map[models.Dialect]dialectSpec{
	models.DialectIOS: {
		prepCommands: []string{"terminal length 0", "terminal width 511"},
		exitCommand:  "exit",
	},
	models.DialectNXOS: {
		prepCommands: []string{"terminal length 0", "terminal width 511"},
		exitCommand:  "exit",
	},
	models.DialectISE: {
		prepCommands: []string{"terminal length 0"},
		exitCommand:  "exit",
	},
}

func dialectFor(d models.Dialect) dialectSpec {
	if spec, ok := dialects[d]; ok {
		return spec
	}
	return dialects[models.DialectIOS]
}

// lastLine returns the text after the final newline with CR and trailing blanks removed
func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimRight(strings.ReplaceAll(s, "\r", ""), " \t")
}

// promptBase strips the trailing > or # from a prompt line
func promptBase(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	return strings.TrimRight(prompt, ">#")
}

// cleanOutput removes the command echo and the trailing prompt from raw
// shell output and normalizes line endings
func cleanOutput(raw, command string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "")
	lines := strings.Split(text, "\n")

	// trailing prompt
	if len(lines) > 0 && promptPattern.MatchString(strings.TrimRight(lines[len(lines)-1], " \t")) {
		lines = lines[:len(lines)-1]
	}

	// echo, possibly preceded by a stale prompt
	cmd := strings.TrimSpace(command)
	for i := 0; i < len(lines) && i < 2; i++ {
		if cmd != "" && strings.Contains(lines[i], cmd) {
			lines = lines[i+1:]
			break
		}
	}

	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
