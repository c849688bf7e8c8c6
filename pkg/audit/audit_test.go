package audit

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbox/chainbox/pkg/contracts"
)

func entry(tenant string, outcome contracts.Outcome) contracts.AuditEntry {
	return contracts.AuditEntry{
		Timestamp: time.Now().UnixMilli(), Fn: "Math.Add", TenantID: tenant,
		Status: contracts.StatusSuccess, Outcome: outcome, TraceID: "t1",
	}
}

func TestRingAppendAndEntriesPreserveOrder(t *testing.T) {
	r := NewRing(10, LevelAll, nil)
	r.Append(entry("acme", contracts.OutcomeSuccess))
	r.Append(entry("acme", contracts.OutcomeFailure))

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, contracts.OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, contracts.OutcomeFailure, entries[1].Outcome)
}

func TestRingWrapsAtCapacity(t *testing.T) {
	r := NewRing(2, LevelAll, nil)
	r.Append(entry("a", contracts.OutcomeSuccess))
	r.Append(entry("b", contracts.OutcomeSuccess))
	r.Append(entry("c", contracts.OutcomeSuccess))

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].TenantID)
	assert.Equal(t, "c", entries[1].TenantID)
}

func TestRingErrorsLevelOnlyAdmitsFailures(t *testing.T) {
	r := NewRing(10, LevelErrors, nil)
	r.Append(entry("a", contracts.OutcomeSuccess))
	r.Append(entry("a", contracts.OutcomeFailure))

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, contracts.OutcomeFailure, r.Entries()[0].Outcome)
}

func TestRingNoneLevelAdmitsNothing(t *testing.T) {
	r := NewRing(10, LevelNone, nil)
	r.Append(entry("a", contracts.OutcomeSuccess))
	assert.Equal(t, 0, r.Len())
}

func TestRingWritesDurableTailAsNDJSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRing(10, LevelAll, &buf)
	r.Append(entry("acme", contracts.OutcomeSuccess))

	var decoded contracts.AuditEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded))
	assert.Equal(t, "acme", decoded.TenantID)
	assert.NoError(t, r.TailErr())
}

func TestExporterGeneratePackFiltersByTenant(t *testing.T) {
	r := NewRing(10, LevelAll, nil)
	r.Append(entry("acme", contracts.OutcomeSuccess))
	r.Append(entry("globex", contracts.OutcomeSuccess))

	exp := NewExporter(r)
	zipBytes, checksum, err := exp.GeneratePack(ExportRequest{TenantID: "acme"})
	require.NoError(t, err)
	assert.NotEmpty(t, zipBytes)
	assert.NotEmpty(t, checksum)

	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)
	f, err := zr.Open("entries.json")
	require.NoError(t, err)
	defer f.Close()
	var packed []contracts.AuditEntry
	require.NoError(t, json.NewDecoder(f).Decode(&packed))
	require.Len(t, packed, 1)
	assert.Equal(t, "acme", packed[0].TenantID)
}

func TestExporterGeneratePackRejectsEmptyTenant(t *testing.T) {
	exp := NewExporter(NewRing(10, LevelAll, nil))
	_, _, err := exp.GeneratePack(ExportRequest{})
	assert.ErrorIs(t, err, ErrEmptyTenantID)
}

func TestReadTailParsesNDJSONWrittenByRingAppend(t *testing.T) {
	var buf bytes.Buffer
	r := NewRing(10, LevelAll, &buf)
	r.Append(entry("acme", contracts.OutcomeSuccess))
	r.Append(entry("globex", contracts.OutcomeFailure))

	entries, err := ReadTail(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "acme", entries[0].TenantID)
	assert.Equal(t, "globex", entries[1].TenantID)
}

func TestReadTailRejectsMalformedLine(t *testing.T) {
	_, err := ReadTail(bytes.NewReader([]byte(`{"tenant_id": "acme"` + "\n")))
	assert.Error(t, err)
}

func TestReadTailOnEmptyStreamReturnsNoEntries(t *testing.T) {
	entries, err := ReadTail(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
