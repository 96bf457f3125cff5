package importer

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Summary is the outcome of one run over one source root. It is returned even
// when the run fails.
type Summary struct {
	RunID       string `json:"run_id"`
	Source      string `json:"source"`
	Root        string `json:"root"`
	Imported    int    `json:"imported"`
	Duplicates  int    `json:"duplicates"`
	Corrupt     int    `json:"corrupt"`
	Unresolved  int    `json:"unresolved"`
	Attachments int    `json:"attachments"`
	Skipped     int64  `json:"skipped"`
	Committed   int64  `json:"committed"`
	State       State  `json:"state"`
	Err         error  `json:"-"`
	Error       string `json:"error,omitempty"`
}

func (s Summary) String() string {
	line := fmt.Sprintf("%s %s: imported=%d duplicates=%d unresolved=%d corrupt=%d attachments=%d committed=%d state=%s",
		s.Source, s.Root, s.Imported, s.Duplicates, s.Unresolved, s.Corrupt, s.Attachments, s.Committed, s.State)
	if s.Skipped > 0 {
		line += fmt.Sprintf(" skipped=%d", s.Skipped)
	}
	if s.Err != nil {
		line += fmt.Sprintf(" error=%q", s.Err.Error())
	}
	return line
}

// FormatSummaries renders run summaries for a chat post, one line per root.
func FormatSummaries(summaries []Summary) string {
	var sb strings.Builder
	sb.WriteString("*Archive Import Summary*\n")

	var imported, dups, unresolved int
	for _, s := range summaries {
		imported += s.Imported
		dups += s.Duplicates
		unresolved += s.Unresolved
	}
	fmt.Fprintf(&sb, "%d roots, %d imported, %d duplicates, %d unresolved attachments\n", len(summaries), imported, dups, unresolved)

	for _, s := range summaries {
		fmt.Fprintf(&sb, "  - %s [%s]: %d new, %d dup", filepath.Base(s.Root), s.Source, s.Imported, s.Duplicates)
		if s.Corrupt > 0 {
			fmt.Fprintf(&sb, " (%d corrupt)", s.Corrupt)
		}
		if s.State == StateFailed {
			fmt.Fprintf(&sb, " FAILED at offset %d", s.Committed)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
