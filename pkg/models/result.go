package models

// Platform is the parsing grammar key assigned by the classifier
type Platform string

const (
	PlatformIOS  Platform = "cisco_ios"
	PlatformNXOS Platform = "cisco_nxos"

	DefaultPlatform = PlatformIOS
)

// ResultKind tags a CommandResult
type ResultKind string

const (
	ResultStructured ResultKind = "structured"
	ResultRaw        ResultKind = "raw"
)

// Record is one parsed row of command output
type Record map[string]string

// CommandResult is either structured records or the raw device text.
// Failures are reported through the error return, never inside the result.
type CommandResult struct {
	Kind     ResultKind `json:"kind"`
	Host     string     `json:"host,omitempty"`
	Platform Platform   `json:"platform"`
	Command  string     `json:"command"`
	Records  []Record   `json:"records,omitempty"`
	Raw      string     `json:"raw,omitempty"`
}

// Structured builds a structured result
func Structured(platform Platform, command string, records []Record) CommandResult {
	return CommandResult{
		Kind:     ResultStructured,
		Platform: platform,
		Command:  command,
		Records:  records,
	}
}

// Raw builds a raw-text result
func Raw(platform Platform, command, text string) CommandResult {
	return CommandResult{
		Kind:     ResultRaw,
		Platform: platform,
		Command:  command,
		Raw:      text,
	}
}

// IsStructured reports whether parsing succeeded
func (r CommandResult) IsStructured() bool {
	return r.Kind == ResultStructured
}
