package txlog

import (
	"context"
	"encoding/json"
	"testing"
)

func TestFileLogAppendAndRestore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	log, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("new file log: %v", err)
	}

	records := []Record{
		{TransactionID: "tx_1", ConsumerAgentID: "a1", ServiceID: "srv", Status: "completed", Result: json.RawMessage(`{"ok":true}`)},
		{TransactionID: "tx_2", ConsumerAgentID: "a1", ServiceID: "srv", Status: "failed", Reason: "InvalidSignature"},
		{TransactionID: "tx_3", ConsumerAgentID: "a2", ServiceID: "srv", Status: "completed"},
	}
	for _, record := range records {
		if err := log.Append(ctx, record); err != nil {
			t.Fatalf("append %s: %v", record.TransactionID, err)
		}
	}

	latest, err := log.ListLatest(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 records, got %d", len(latest))
	}
	if latest[0].TransactionID != "tx_3" || latest[1].TransactionID != "tx_2" {
		t.Fatalf("unexpected order: %s, %s", latest[0].TransactionID, latest[1].TransactionID)
	}

	// 重新打开同一目录，记录必须完整恢复。
	restored, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	all, err := restored.ListLatest(ctx, 0)
	if err != nil {
		t.Fatalf("list after restore: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 restored records, got %d", len(all))
	}
	if all[1].Reason != "InvalidSignature" {
		t.Fatalf("reason lost on restore: %+v", all[1])
	}
	if string(all[2].Result) != `{"ok":true}` {
		t.Fatalf("result lost on restore: %s", all[2].Result)
	}
}
