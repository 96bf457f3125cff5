package hermes

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBatchCommittedParsing(t *testing.T) {
	raw := `{
		"run_id": "run-1",
		"source": "sms",
		"root": "/backups/phone",
		"offset": 500,
		"committed": 1000,
		"imported": 480,
		"duplicates": 20,
		"attachments": 7
	}`

	var ev BatchCommitted
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("failed to parse BatchCommitted: %v", err)
	}
	if ev.Source != "sms" || ev.Offset != 500 || ev.Committed != 1000 {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Imported != 480 || ev.Duplicates != 20 || ev.Attachments != 7 {
		t.Errorf("unexpected counts: %+v", ev)
	}
}

func TestImportCompletedOmitsEmptyError(t *testing.T) {
	data, err := json.Marshal(ImportCompleted{RunID: "r", Source: "qq", State: "done"})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	if strings.Contains(string(data), `"error"`) {
		t.Errorf("expected no error field, got %s", data)
	}

	data, _ = json.Marshal(ImportCompleted{State: "failed", Error: "format mismatch"})
	var parsed ImportCompleted
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if parsed.Error != "format mismatch" || parsed.State != "failed" {
		t.Errorf("round-trip mismatch: %+v", parsed)
	}
}

func TestSubjectsShareImportPrefix(t *testing.T) {
	prefix := strings.TrimSuffix(SubjectImportAll, ">")
	for _, s := range []string{SubjectBatchCommitted, SubjectImportCompleted} {
		if !strings.HasPrefix(s, prefix) {
			t.Errorf("subject %q is not covered by %q", s, SubjectImportAll)
		}
	}
}
