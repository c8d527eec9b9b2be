// Package directive implements the line-oriented header parser (spec §4.1):
// it reads a source file line by line, recognizes an optional leading
// shebang and a run of `#require "..."` lines, and stops at the first line
// that is not blank and not a directive. Modeled on the teacher's simple
// line-scanning parsers (cmd/distri/scaffold.go's header handling) -- a
// bufio.Scanner loop with an explicit small state machine, not a generated
// parser.
package directive

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"github.com/andreypopp/mach/internal/rterr"
)

// Raw is one recognized `#require "..."` line.
type Raw struct {
	Line int    // 1-based
	Text string // the string inside the quotes
}

var requireRe = regexp.MustCompile(`^#require\s+"([^"]*)"\s*(;;)?\s*$`)

// Parse reads src line by line and returns the ordered list of #require
// directives found in the header. Parsing stops (without error) at the first
// line that transitions the parser to the Body state; everything from that
// line on is the unit's code and is never inspected again.
func Parse(sourceFile string, src io.Reader) ([]Raw, error) {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var out []Raw
	lineno := 0
	inHeader := true
	first := true

	for inHeader && sc.Scan() {
		lineno++
		line := sc.Text()

		if first {
			first = false
			if strings.HasPrefix(line, "#!") {
				continue // shebang, skipped
			}
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue // blank line, ignored while in Header
		}

		if strings.HasPrefix(trimmed, "#") {
			m := requireRe.FindStringSubmatch(trimmed)
			if m == nil {
				return nil, &rterr.BadDirectiveError{
					SourceFile: sourceFile,
					Line:       lineno,
					Raw:        line,
				}
			}
			out = append(out, Raw{Line: lineno, Text: m[1]})
			continue
		}

		// Any other non-blank line transitions Header -> Body.
		inHeader = false
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
