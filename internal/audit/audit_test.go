package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Event Tests
// =============================================================================

func TestU_NewEvent_Creation(t *testing.T) {
	event := NewEvent(EventCRLCreate, ResultSuccess)

	assert.Equal(t, EventCRLCreate, event.EventType)
	assert.Equal(t, ResultSuccess, event.Result)
	assert.Equal(t, ServiceCore, event.Service)
	assert.NotEmpty(t, event.Timestamp)
	assert.NotEmpty(t, event.ID)
}

func TestU_Event_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{
			name:  "[Unit] Validate: valid event",
			event: NewEvent(EventCAAdd, ResultSuccess).WithModule(ModuleCA).WithActor("admin"),
		},
		{
			name:    "[Unit] Validate: missing module",
			event:   NewEvent(EventCAAdd, ResultSuccess).WithActor("admin"),
			wantErr: true,
		},
		{
			name:    "[Unit] Validate: missing actor",
			event:   NewEvent(EventCAAdd, ResultSuccess).WithModule(ModuleCA),
			wantErr: true,
		},
		{
			name:    "[Unit] Validate: missing result",
			event:   &Event{EventType: EventCAAdd, Timestamp: "2024-01-15T10:00:00Z", Module: ModuleCA, ActorID: "admin"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestU_Event_CanonicalJSON_ExcludesHash(t *testing.T) {
	event := NewEvent(EventCAEdit, ResultSuccess).WithModule(ModuleCA).WithActor("admin")
	event.HashPrev = GenesisHash

	before, err := event.CanonicalJSON()
	require.NoError(t, err)

	event.Hash = "sha256:something"
	after, err := event.CanonicalJSON()
	require.NoError(t, err)

	assert.Equal(t, string(before), string(after))
}

// =============================================================================
// Writer Tests
// =============================================================================

func TestU_MemoryWriter_ChainsEvents(t *testing.T) {
	w := NewMemoryWriter()

	e1 := NewEvent(EventCAAdd, ResultSuccess).WithModule(ModuleCA).WithActor("admin")
	e2 := NewEvent(EventCAEdit, ResultSuccess).WithModule(ModuleCA).WithActor("admin")
	require.NoError(t, w.Write(e1))
	require.NoError(t, w.Write(e2))

	events := w.Events()
	require.Len(t, events, 2)
	assert.Equal(t, GenesisHash, events[0].HashPrev)
	assert.Equal(t, events[0].Hash, events[1].HashPrev)
	assert.Equal(t, events[1].Hash, w.LastHash())
	assert.Len(t, w.Filter(EventCAEdit), 1)
}

func TestU_MemoryWriter_RejectsInvalidEvent(t *testing.T) {
	w := NewMemoryWriter()
	assert.Error(t, w.Write(NewEvent(EventCAAdd, ResultSuccess)))
	assert.Empty(t, w.Events())
	assert.Equal(t, GenesisHash, w.LastHash())
}

func TestF_FileWriter_ChainAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	w, err := NewFileWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(NewEvent(EventCAAdd, ResultSuccess).WithModule(ModuleCA).WithActor("admin")))
	last := w.LastHash()
	require.NoError(t, w.Close())

	w2, err := NewFileWriter(path)
	require.NoError(t, err)
	assert.Equal(t, last, w2.LastHash())
	require.NoError(t, w2.Write(NewEvent(EventCRLCreate, ResultFailure).WithModule(ModuleCRL).WithActor("system").WithDetail("msg", "offline")))
	require.NoError(t, w2.Close())

	n, err := VerifyChain(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestF_FileWriter_InterleavedWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	// A serving node and a CLI process share the file.
	node, err := NewFileWriter(path)
	require.NoError(t, err)
	defer node.Close()
	cli, err := NewFileWriter(path)
	require.NoError(t, err)
	defer cli.Close()

	for i, w := range []*FileWriter{node, cli, cli, node} {
		ev := NewEvent(EventCAEdit, ResultSuccess).WithModule(ModuleCA).WithActor(fmt.Sprintf("actor-%d", i))
		require.NoError(t, w.Write(ev))
	}

	n, err := VerifyChain(path)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestU_LastLine(t *testing.T) {
	long := strings.Repeat("x", tailChunk+10)
	tests := []struct {
		name string
		data string
		want string
	}{
		{"[Unit] LastLine: empty", "", ""},
		{"[Unit] LastLine: single line", "abc\n", "abc"},
		{"[Unit] LastLine: trailing blank lines", "a\nb\n\n\n", "b"},
		{"[Unit] LastLine: spans chunks", "a\n" + long + "\n", long},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := lastLine(strings.NewReader(tt.data), int64(len(tt.data)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestF_VerifyChain_DetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	w, err := NewFileWriter(path)
	require.NoError(t, err)
	for _, actor := range []string{"alice", "bob", "carol"} {
		require.NoError(t, w.Write(NewEvent(EventCAEdit, ResultSuccess).WithModule(ModuleCA).WithActor(actor)))
	}
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), "bob", "mallory", 1)), 0600))

	n, err := VerifyChain(path)
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, 2, chainErr.Line)
	assert.Equal(t, 1, n)
}

func TestU_Verify_RemovedEvent(t *testing.T) {
	w := NewMemoryWriter()
	for _, actor := range []string{"alice", "bob"} {
		require.NoError(t, w.Write(NewEvent(EventCAEdit, ResultSuccess).WithModule(ModuleCA).WithActor(actor)))
	}
	// Only the second event is left: its HashPrev no longer matches.
	line, err := w.Events()[1].JSON()
	require.NoError(t, err)

	n, err := Verify(strings.NewReader(string(line)))
	assert.Error(t, err)
	assert.Equal(t, 0, n)
}

// =============================================================================
// Trail Tests
// =============================================================================

func TestU_Trail_Log(t *testing.T) {
	w := NewMemoryWriter()
	trail := NewTrail(w, nil)

	err := trail.Log(context.Background(), EventCARemove, ResultFailure, ModuleCA, "", "admin", 42,
		map[string]string{"msg": "denied"})
	require.NoError(t, err)

	events := w.Events()
	require.Len(t, events, 1)
	assert.Equal(t, int32(42), events[0].CAID)
	assert.Equal(t, ServiceCore, events[0].Service)
	assert.Equal(t, "denied", events[0].Details["msg"])
}

func TestU_Trail_Log_PropagatesWriteError(t *testing.T) {
	trail := NewTrail(NewMemoryWriter(), nil)
	err := trail.Log(context.Background(), EventCAAdd, ResultSuccess, "", "", "admin", 1, nil)
	assert.Error(t, err)
}
