package schedule

import (
	"regexp"
	"strconv"
	"strings"
)

// Pattern recognizes one announcement line format.
type Pattern struct {
	Name   string
	Regexp *regexp.Regexp
	// Extract maps a submatch to an entry; ok=false rejects the line.
	Extract func(m []string) (Entry, bool)
}

// idFormatUnix extracts (id, format, unix seconds) from groups 1..3.
func idFormatUnix(m []string) (Entry, bool) {
	if len(m) < 4 {
		return Entry{}, false
	}
	f, ok := ParseFormat(m[2])
	if !ok {
		return Entry{}, false
	}
	sec, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil || sec <= 0 {
		return Entry{}, false
	}
	return Entry{ID: m[1], Format: f, Time: sec * 1000}, true
}

var (
	// OfficialPattern matches the lounge bot's markdown line:
	//	`#4255` **12p 4v4:** <t:1770386400:F>
	OfficialPattern = Pattern{
		Name:    "official",
		Regexp:  regexp.MustCompile("(?i)`#(\\d+)`\\s*\\*\\*\\s*\\d+p\\s+(\\dv\\d)\\s*:\\s*\\*\\*\\s*<t:(\\d+):[a-z]>"),
		Extract: idFormatUnix,
	}
	// LegacyPattern matches the plain form:
	//	#4243 12p 2v2 : <t:1769941200:f> - <t:1769941200:R>
	LegacyPattern = Pattern{
		Name:    "legacy",
		Regexp:  regexp.MustCompile(`(?i)#(\d+)\s+\d+p\s+(\dv\d)\s*:\s*<t:(\d+):f>`),
		Extract: idFormatUnix,
	}
)

// mentions mark messages that are pings rather than schedule posts.
var mentions = []string{"@everyone", "@here"}

// Parser tries its patterns in order on every line; the first match wins.
type Parser struct {
	patterns []Pattern
}

// NewParser builds a parser. With no patterns it uses the official then legacy formats.
func NewParser(patterns ...Pattern) *Parser {
	if len(patterns) == 0 {
		patterns = []Pattern{OfficialPattern, LegacyPattern}
	}
	return &Parser{patterns: patterns}
}

// MentionSkipped reports whether text is ignored as a ping.
func MentionSkipped(text string) bool {
	for _, m := range mentions {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// ParseLine returns the entry on one line and the name of the matching pattern.
func (p *Parser) ParseLine(line string) (Entry, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Entry{}, "", false
	}
	for _, pat := range p.patterns {
		m := pat.Regexp.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if e, ok := pat.Extract(m); ok {
			return e, pat.Name, true
		}
	}
	return Entry{}, "", false
}

// ParseMessage extracts every entry from a message. Messages that mention
// everyone yield nothing; a repeated ID keeps its last line.
func (p *Parser) ParseMessage(text string) []Entry {
	if MentionSkipped(text) {
		return nil
	}
	var out []Entry
	seen := map[string]int{}
	for _, line := range strings.Split(text, "\n") {
		e, _, ok := p.ParseLine(line)
		if !ok {
			continue
		}
		if i, dup := seen[e.ID]; dup {
			out[i] = e
			continue
		}
		seen[e.ID] = len(out)
		out = append(out, e)
	}
	return out
}
