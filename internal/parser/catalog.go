package parser

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

//go:embed templates/*.yaml
var defaultTemplates embed.FS

// Template modes
const (
	// ModeRecord produces a single record from the whole output
	ModeRecord = "record"
	// ModeTable produces one record per matching line
	ModeTable = "table"
)

var (
	ErrUnsupportedCommand = errors.New("no template for command")
	ErrNoRecords          = errors.New("template matched no records")
)

// Template is one grammar entry of the catalog
type Template struct {
	Platform models.Platform   `yaml:"platform"`
	Command  string            `yaml:"command"`
	Mode     string            `yaml:"mode"`
	Pattern  string            `yaml:"pattern"`
	Fields   map[string]string `yaml:"fields"`

	commandRe *regexp.Regexp
	patternRe *regexp.Regexp
	fieldRes  map[string]*regexp.Regexp
	fieldKeys []string
}

// templateFile is the on-disk layout: a platform and its templates
type templateFile struct {
	Platform  models.Platform `yaml:"platform"`
	Templates []*Template     `yaml:"templates"`
}

// Catalog maps (platform, command) pairs to grammar templates
type Catalog struct {
	templates []*Template
}

// NewCatalog returns an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{}
}

// LoadDefault returns a catalog with the built-in templates
func LoadDefault() (*Catalog, error) {
	c := NewCatalog()
	if err := c.LoadFS(defaultTemplates, "templates"); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFS loads every .yaml/.yml file under dir of fsys
func (c *Catalog) LoadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read template dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read template %s: %w", name, err)
		}
		if err := c.Load(data); err != nil {
			return fmt.Errorf("load template %s: %w", name, err)
		}
	}
	return nil
}

// LoadDir loads extra templates from a directory on disk. Templates loaded
// later take precedence over earlier ones for the same command.
func (c *Catalog) LoadDir(dir string) error {
	return c.LoadFS(os.DirFS(dir), ".")
}

// Load parses one YAML template file
func (c *Catalog) Load(data []byte) error {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	if len(file.Templates) == 0 {
		return errors.New("no templates defined")
	}

	compiled := make([]*Template, 0, len(file.Templates))
	for i, t := range file.Templates {
		if t == nil {
			return fmt.Errorf("template %d is empty", i)
		}
		if t.Platform == "" {
			t.Platform = file.Platform
		}
		if err := t.compile(); err != nil {
			return fmt.Errorf("template %d (%s): %w", i, t.Command, err)
		}
		compiled = append(compiled, t)
	}

	// newest first so overrides win
	c.templates = append(compiled, c.templates...)
	return nil
}

// Len returns the number of templates
func (c *Catalog) Len() int {
	return len(c.templates)
}

// Lookup finds the template for a platform and command
func (c *Catalog) Lookup(platform models.Platform, command string) (*Template, bool) {
	cmd := normalizeCommand(command)
	for _, t := range c.templates {
		if t.Platform == platform && t.commandRe.MatchString(cmd) {
			return t, true
		}
	}
	return nil, false
}

// Parse implements Parser
func (c *Catalog) Parse(platform models.Platform, command, raw string) ([]models.Record, error) {
	t, ok := c.Lookup(platform, command)
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrUnsupportedCommand, platform, command)
	}
	records := t.Parse(raw)
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	return records, nil
}

func (t *Template) compile() error {
	if t.Platform == "" {
		return errors.New("platform is required")
	}
	if strings.TrimSpace(t.Command) == "" {
		return errors.New("command is required")
	}
	if t.Mode == "" {
		t.Mode = ModeRecord
	}

	cre, err := compileCommand(t.Command)
	if err != nil {
		return err
	}
	t.commandRe = cre

	switch t.Mode {
	case ModeTable:
		if t.Pattern == "" {
			return errors.New("table templates need a pattern")
		}
	case ModeRecord:
		if t.Pattern == "" && len(t.Fields) == 0 {
			return errors.New("record templates need a pattern or fields")
		}
	default:
		return fmt.Errorf("unknown mode %q", t.Mode)
	}

	if t.Pattern != "" {
		re, err := regexp.Compile("(?m)" + t.Pattern)
		if err != nil {
			return fmt.Errorf("pattern: %w", err)
		}
		if len(namedGroups(re)) == 0 {
			return errors.New("pattern has no named groups")
		}
		t.patternRe = re
	}

	t.fieldRes = make(map[string]*regexp.Regexp, len(t.Fields))
	for name, expr := range t.Fields {
		re, err := regexp.Compile("(?m)" + expr)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("field %s needs a capture group", name)
		}
		t.fieldRes[name] = re
		t.fieldKeys = append(t.fieldKeys, name)
	}
	sort.Strings(t.fieldKeys)
	return nil
}

// Parse extracts records from raw output. It returns nil when nothing matched.
func (t *Template) Parse(raw string) []models.Record {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	switch t.Mode {
	case ModeTable:
		return t.parseTable(text)
	default:
		if rec := t.parseRecord(text); rec != nil {
			return []models.Record{rec}
		}
		return nil
	}
}

func (t *Template) parseTable(text string) []models.Record {
	var records []models.Record
	names := t.patternRe.SubexpNames()
	for _, line := range strings.Split(text, "\n") {
		m := t.patternRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		rec := make(models.Record)
		for i, name := range names {
			if name != "" {
				rec[name] = strings.TrimSpace(m[i])
			}
		}
		records = append(records, rec)
	}
	return records
}

func (t *Template) parseRecord(text string) models.Record {
	rec := make(models.Record)
	matched := false

	if t.patternRe != nil {
		if m := t.patternRe.FindStringSubmatch(text); m != nil {
			matched = true
			for i, name := range t.patternRe.SubexpNames() {
				if name != "" {
					rec[name] = strings.TrimSpace(m[i])
				}
			}
		}
	}

	for _, name := range t.fieldKeys {
		m := t.fieldRes[name].FindStringSubmatch(text)
		if m == nil {
			rec[name] = ""
			continue
		}
		matched = true
		rec[name] = strings.TrimSpace(m[1])
	}

	if !matched {
		return nil
	}
	return rec
}

// compileCommand turns the abbreviation syntax "sh[[ow]] ver[[sion]]" into
// a regexp that accepts any unambiguous prefix of each word
func compileCommand(pattern string) (*regexp.Regexp, error) {
	words := strings.Fields(pattern)
	parts := make([]string, 0, len(words))
	for _, w := range words {
		part, err := expandWord(w)
		if err != nil {
			return nil, fmt.Errorf("command %q: %w", pattern, err)
		}
		parts = append(parts, part)
	}
	return regexp.Compile(`(?i)^` + strings.Join(parts, `\s+`) + `$`)
}

func expandWord(w string) (string, error) {
	open := strings.Index(w, "[[")
	if open < 0 {
		return regexp.QuoteMeta(w), nil
	}
	if !strings.HasSuffix(w, "]]") || open+2 > len(w)-2 {
		return "", fmt.Errorf("malformed word %q", w)
	}
	prefix := w[:open]
	optional := w[open+2 : len(w)-2]
	if prefix == "" || strings.ContainsAny(optional, "[]") {
		return "", fmt.Errorf("malformed word %q", w)
	}

	var b strings.Builder
	b.WriteString(regexp.QuoteMeta(prefix))
	for _, r := range optional {
		b.WriteString("(?:")
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	for range optional {
		b.WriteString(")?")
	}
	return b.String(), nil
}

func normalizeCommand(command string) string {
	return strings.Join(strings.Fields(command), " ")
}

func namedGroups(re *regexp.Regexp) []string {
	var names []string
	for _, n := range re.SubexpNames() {
		if n != "" {
			names = append(names, n)
		}
	}
	return names
}
