package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

func TestAuditStore_Append(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	store := NewAuditStoreWithWriter(buf)
	record := audit.Record{
		ID:        "rec-1",
		Timestamp: time.Now().UTC(),
		Subject:   policy.User("alice"),
		ToolName:  "fs.read",
		Result:    audit.ResultAllowed,
	}
	if err := store.Append(context.Background(), record); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	var decoded audit.Record
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &decoded); err != nil {
		t.Fatalf("written output is not valid JSON: %v", err)
	}
	if decoded.ID != "rec-1" || decoded.Subject != policy.User("alice") {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestAuditStore_RingBufferAndQuery(t *testing.T) {
	t.Parallel()

	store := NewAuditStoreWithWriter(nil, 3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, result := range []string{audit.ResultAllowed, audit.ResultDenied, audit.ResultAllowed, audit.ResultDenied, audit.ResultAllowed} {
		rec := audit.Record{
			ID:        string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Subject:   policy.User("alice"),
			ToolName:  "fs.read",
			Result:    result,
		}
		if err := store.Append(context.Background(), rec); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	all, err := store.Query(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(all) != 3 || all[0].ID != "e" || all[2].ID != "c" {
		t.Fatalf("Query() ids = %v, want [e d c]", ids(all))
	}

	denied, _ := store.Query(context.Background(), audit.Filter{Result: audit.ResultDenied})
	if len(denied) != 1 || denied[0].ID != "d" {
		t.Errorf("denied = %v, want [d]", ids(denied))
	}
	limited, _ := store.Query(context.Background(), audit.Filter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limited = %v, want one record", ids(limited))
	}
	ranged, _ := store.Query(context.Background(), audit.Filter{EndTime: base.Add(3 * time.Minute)})
	if len(ranged) != 2 {
		t.Errorf("ranged = %v, want [d c]", ids(ranged))
	}
}

func ids(records []audit.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
