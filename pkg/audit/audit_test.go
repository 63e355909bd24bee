package audit_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capengine/cap/pkg/audit"
)

func TestAppend_ChainsToGenesis(t *testing.T) {
	log := audit.NewLog()
	e, err := log.Append("key.rotate", "kid:abc", nil)
	require.NoError(t, err)
	require.Equal(t, audit.GenesisHash, e.PrevHash)
	require.NotEmpty(t, e.SelfHash)
}

func TestAppend_ChainsSequentially(t *testing.T) {
	log := audit.NewLog()
	e1, err := log.Append("key.rotate", "kid:abc", nil)
	require.NoError(t, err)
	e2, err := log.Append("policy.register", "policy:p1", map[string]interface{}{"version": "1"})
	require.NoError(t, err)
	require.Equal(t, e1.SelfHash, e2.PrevHash)
	require.NoError(t, log.VerifyChain())
}

func TestVerifyChain_DetectsDigestMismatch(t *testing.T) {
	log := audit.NewLog()
	_, err := log.Append("key.rotate", "kid:abc", nil)
	require.NoError(t, err)
	events := log.Tail(0)
	events[0].Subject = "tampered"

	err = audit.VerifyChain(events)
	require.ErrorIs(t, err, audit.ErrChainBroken)
}

func TestVerifyChain_DetectsBrokenLink(t *testing.T) {
	log := audit.NewLog()
	_, err := log.Append("a", "s1", nil)
	require.NoError(t, err)
	_, err = log.Append("b", "s2", nil)
	require.NoError(t, err)
	events := log.Tail(0)
	events[1].PrevHash = "sha3-256:deadbeef"

	err = audit.VerifyChain(events)
	require.ErrorIs(t, err, audit.ErrChainBroken)
}

func TestTail_ReturnsMostRecentN(t *testing.T) {
	log := audit.NewLog()
	for i := 0; i < 5; i++ {
		_, err := log.Append("e", "s", nil)
		require.NoError(t, err)
	}
	tail := log.Tail(2)
	require.Len(t, tail, 2)
	require.Equal(t, uint64(4), tail[0].Sequence)
	require.Equal(t, uint64(5), tail[1].Sequence)
}

func TestVerifyChain_EmptyChainIsValid(t *testing.T) {
	require.NoError(t, audit.VerifyChain(nil))
}

func TestAppend_StampsTimestampAndIncludesItInHash(t *testing.T) {
	log := audit.NewLog()
	before := time.Now().UTC()
	e, err := log.Append("key.rotate", "kid:abc", nil)
	require.NoError(t, err)
	require.False(t, e.Timestamp.Before(before))
	require.NoError(t, log.VerifyChain())

	events := log.Tail(0)
	events[0].Timestamp = events[0].Timestamp.Add(time.Second)
	require.ErrorIs(t, audit.VerifyChain(events), audit.ErrChainBroken)
}

func TestHead_ReportsTailDigestAndEventsCount(t *testing.T) {
	log := audit.NewLog()
	digest, count := log.Head()
	require.Equal(t, audit.GenesisHash, digest)
	require.Equal(t, 0, count)

	e, err := log.Append("a", "s1", nil)
	require.NoError(t, err)
	digest, count = log.Head()
	require.Equal(t, e.SelfHash, digest)
	require.Equal(t, 1, count)
}

func TestRead_Paginates(t *testing.T) {
	log := audit.NewLog()
	for i := 0; i < 5; i++ {
		_, err := log.Append("e", "s", nil)
		require.NoError(t, err)
	}

	page := log.Read(1, 2)
	require.Len(t, page, 2)
	require.Equal(t, uint64(2), page[0].Sequence)
	require.Equal(t, uint64(3), page[1].Sequence)

	rest := log.Read(4, 10)
	require.Len(t, rest, 1)
	require.Equal(t, uint64(5), rest[0].Sequence)

	require.Empty(t, log.Read(5, 10))
	require.Len(t, log.Read(0, 0), 5)
}

func TestAppendJSONLExportJSONLLoadJSONL_RoundTrip(t *testing.T) {
	log := audit.NewLog()
	e1, err := log.Append("a", "s1", nil)
	require.NoError(t, err)
	e2, err := log.Append("b", "s2", map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	appendPath := filepath.Join(t.TempDir(), "agent.audit.jsonl")
	require.NoError(t, audit.AppendJSONL(appendPath, e1))
	require.NoError(t, audit.AppendJSONL(appendPath, e2))

	loaded, err := audit.LoadJSONL(appendPath)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, e1.SelfHash, loaded[0].SelfHash)
	require.Equal(t, e2.SelfHash, loaded[1].SelfHash)
	require.NoError(t, audit.VerifyChain(loaded))

	exportPath := filepath.Join(t.TempDir(), "agent.audit.jsonl")
	require.NoError(t, audit.ExportJSONL(exportPath, log.Tail(0)))
	reloaded, err := audit.LoadJSONL(exportPath)
	require.NoError(t, err)
	require.Equal(t, loaded, reloaded)
}
