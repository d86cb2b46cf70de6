package chain

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/support/render/problem"
	"github.com/stellar/go/txnbuild"
)

func TestChunkPayload_RoundTrip(t *testing.T) {
	payload := strings.Repeat("P01SUB1:field|", 12) // well past one chunk

	ops := chunkPayload(payload)
	if len(ops) != (len(payload)+dataChunkSize-1)/dataChunkSize {
		t.Fatalf("unexpected chunk count %d", len(ops))
	}

	var rebuilt strings.Builder
	for i, op := range ops {
		md, ok := op.(*txnbuild.ManageData)
		if !ok {
			t.Fatalf("chunk %d is not a manage-data op", i)
		}
		wantName := fmt.Sprintf("%s.%d.%d", dataKeyPrefix, i, len(ops))
		if md.Name != wantName {
			t.Errorf("chunk %d named %q, want %q", i, md.Name, wantName)
		}
		if len(md.Value) > dataChunkSize {
			t.Errorf("chunk %d exceeds %d bytes: %d", i, dataChunkSize, len(md.Value))
		}
		rebuilt.Write(md.Value)
	}
	if rebuilt.String() != payload {
		t.Error("chunks do not reassemble to the original payload")
	}
}

func TestParseChunkName(t *testing.T) {
	tests := []struct {
		name  string
		index int
		total int
		ok    bool
	}{
		{"p01.0.3", 0, 3, true},
		{"p01.2.3", 2, 3, true},
		{"p01.3.3", 0, 0, false}, // index out of range
		{"p01.-1.3", 0, 0, false},
		{"p01.0.0", 0, 0, false},
		{"other.0.3", 0, 0, false},
		{"p01.0", 0, 0, false},
		{"p01.a.3", 0, 0, false},
	}
	for _, tt := range tests {
		index, total, ok := parseChunkName(tt.name)
		if ok != tt.ok || index != tt.index || total != tt.total {
			t.Errorf("parseChunkName(%q) = (%d, %d, %v), want (%d, %d, %v)",
				tt.name, index, total, ok, tt.index, tt.total, tt.ok)
		}
	}
}

func manageDataOp(txHash, name, value string, at time.Time) operations.ManageData {
	return operations.ManageData{
		Base: operations.Base{
			TransactionHash: txHash,
			LedgerCloseTime: at,
		},
		Name:  name,
		Value: base64.StdEncoding.EncodeToString([]byte(value)),
	}
}

func TestMemoAssembler_ReassemblesOutOfOrder(t *testing.T) {
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	assembler := newMemoAssembler()

	if _, complete := assembler.add(manageDataOp("tx1", "p01.1.2", "world", at)); complete {
		t.Fatal("half a payload must not complete")
	}
	entry, complete := assembler.add(manageDataOp("tx1", "p01.0.2", "hello ", at))
	if !complete {
		t.Fatal("second chunk must complete the payload")
	}
	if entry.Memo != "hello world" {
		t.Errorf("reassembled %q", entry.Memo)
	}
	if entry.TxHash != "tx1" || !entry.Timestamp.Equal(at) {
		t.Errorf("entry metadata lost: %+v", entry)
	}
}

func TestMemoAssembler_KeepsTransactionsSeparate(t *testing.T) {
	at := time.Now()
	assembler := newMemoAssembler()

	assembler.add(manageDataOp("txA", "p01.0.2", "aaa", at))
	assembler.add(manageDataOp("txB", "p01.0.2", "bbb", at))

	entry, complete := assembler.add(manageDataOp("txA", "p01.1.2", "AAA", at))
	if !complete || entry.Memo != "aaaAAA" {
		t.Errorf("cross-transaction chunks mixed: %q", entry.Memo)
	}
}

func TestMemoAssembler_IgnoresForeignEntries(t *testing.T) {
	assembler := newMemoAssembler()
	if _, complete := assembler.add(manageDataOp("tx1", "config.flag", "on", time.Now())); complete {
		t.Error("non-payload manage-data entries must be ignored")
	}
}

func TestMapHorizonError(t *testing.T) {
	rateLimited := &horizonclient.Error{Problem: problem.P{Status: 429}}
	if !errors.Is(mapHorizonError(fmt.Errorf("fetch: %w", rateLimited)), ErrRateLimited) {
		t.Error("429 must map to ErrRateLimited")
	}

	serverErr := &horizonclient.Error{Problem: problem.P{Status: 500}}
	if errors.Is(mapHorizonError(fmt.Errorf("fetch: %w", serverErr)), ErrRateLimited) {
		t.Error("500 must not map to ErrRateLimited")
	}

	plain := errors.New("dial tcp: timeout")
	if errors.Is(mapHorizonError(plain), ErrRateLimited) {
		t.Error("plain error must pass through")
	}
}
