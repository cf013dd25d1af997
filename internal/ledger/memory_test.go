package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextTx(t *testing.T, s Stream) Transaction {
	t.Helper()
	select {
	case tx, ok := <-s.Transactions():
		require.True(t, ok, "stream closed unexpectedly")
		return tx
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transaction")
		return Transaction{}
	}
}

func TestMemorySubmitCommitsOneTransaction(t *testing.T) {
	mem := NewMemory()
	client := mem.Client("Alice")
	target := mem.Create("p:M:Foo", nil)

	stream, err := client.Subscribe(context.Background(), []string{AnyTemplate})
	require.NoError(t, err)
	defer stream.Close()

	err = client.Submit(context.Background(), []Command{
		Create("p:M:Bar", map[string]any{"n": 1}),
		Exercise(target.ContractID, "Archive", nil),
	})
	require.NoError(t, err)

	tx := nextTx(t, stream)
	require.Len(t, tx.Events, 2)
	assert.Equal(t, EventCreated, tx.Events[0].Kind)
	assert.Equal(t, "p:M:Bar", tx.Events[0].Contract.TemplateID)
	assert.Equal(t, EventArchived, tx.Events[1].Kind)
	assert.Equal(t, target.ContractID, tx.Events[1].Contract.ContractID)
	assert.NotEmpty(t, tx.CommandID)

	subs := mem.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "Alice", subs[0].Party)
	assert.Equal(t, tx.CommandID, subs[0].CommandID)

	active, err := client.ActiveContracts(context.Background(), "p:M:Foo")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemoryRejectsExerciseOnUnknownContract(t *testing.T) {
	mem := NewMemory()
	err := mem.Client("Alice").Submit(context.Background(), []Command{Exercise("#missing", "Go", nil)})
	require.Error(t, err)
	assert.Empty(t, mem.Submissions())
}

func TestMemoryRejectWith(t *testing.T) {
	mem := NewMemory()
	mem.RejectWith(func(Submission) error { return errors.New("denied") })

	err := mem.Client("Alice").Submit(context.Background(), []Command{Create("p:M:Foo", nil)})
	assert.EqualError(t, err, "denied")
}

func TestMemoryFailEndsStreams(t *testing.T) {
	mem := NewMemory()
	stream, err := mem.Client("Alice").Subscribe(context.Background(), nil)
	require.NoError(t, err)

	lost := errors.New("lost")
	mem.Fail(lost)

	select {
	case _, ok := <-stream.Transactions():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}
	assert.ErrorIs(t, stream.Err(), lost)

	_, err = mem.Client("Alice").ActiveContracts(context.Background(), AnyTemplate)
	assert.ErrorIs(t, err, lost)
}

func TestMemoryActiveContractsKeepsCreationOrder(t *testing.T) {
	mem := NewMemory()
	a := mem.Create("p:M:Foo", nil)
	b := mem.Create("p:M:Foo", nil)
	mem.Create("p:M:Bar", nil)

	got, err := mem.Client("Bob").ActiveContracts(context.Background(), "p:M:Foo")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ContractID, got[0].ContractID)
	assert.Equal(t, b.ContractID, got[1].ContractID)
}

func TestMemoryRejectedBatchLeavesLedgerUnchanged(t *testing.T) {
	mem := NewMemory()
	client := mem.Client("Alice")
	kept := mem.Create("p:M:Foo", map[string]any{"n": 0})

	stream, err := client.Subscribe(context.Background(), []string{AnyTemplate})
	require.NoError(t, err)
	defer stream.Close()

	err = client.Submit(context.Background(), []Command{
		Create("p:M:Foo", map[string]any{"n": 1}),
		Exercise(kept.ContractID, "Archive", nil),
		Exercise("#missing", "Archive", nil),
	})
	require.Error(t, err)

	active, err := client.ActiveContracts(context.Background(), AnyTemplate)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, kept.ContractID, active[0].ContractID)
	assert.Empty(t, mem.Submissions())

	select {
	case tx := <-stream.Transactions():
		t.Fatalf("rejected batch committed a transaction: %+v", tx)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryExerciseByKey(t *testing.T) {
	mem := NewMemory()
	client := mem.Client("Alice")
	target := mem.Create("p:M:Foo", map[string]any{"owner": "Alice", "n": 1})
	mem.Create("p:M:Foo", map[string]any{"owner": "Bob", "n": 1})

	stream, err := client.Subscribe(context.Background(), []string{AnyTemplate})
	require.NoError(t, err)
	defer stream.Close()

	err = client.Submit(context.Background(), []Command{
		ExerciseByKey("p:M:Foo", map[string]any{"owner": "Alice"}, "Archive", nil),
	})
	require.NoError(t, err)

	tx := nextTx(t, stream)
	require.Len(t, tx.Events, 1)
	assert.Equal(t, EventArchived, tx.Events[0].Kind)
	assert.Equal(t, target.ContractID, tx.Events[0].Contract.ContractID)

	active, err := client.ActiveContracts(context.Background(), "p:M:Foo")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Bob", active[0].Payload["owner"])
}

func TestMemoryExerciseByKeyRejectsUnresolvableKeys(t *testing.T) {
	mem := NewMemory()
	mem.Create("p:M:Foo", map[string]any{"owner": "Alice", "n": 1})
	mem.Create("p:M:Foo", map[string]any{"owner": "Alice", "n": 2})

	tests := []struct {
		name string
		key  any
		want string
	}{
		{name: "unknown key", key: map[string]any{"owner": "Carol"}, want: "no active p:M:Foo contract"},
		{name: "ambiguous key", key: map[string]any{"owner": "Alice"}, want: "matches 2 active"},
		{name: "scalar key", key: "Alice", want: "must be a record"},
		{name: "empty key", key: map[string]any{}, want: "empty key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mem.Client("Alice").Submit(context.Background(), []Command{
				ExerciseByKey("p:M:Foo", tt.key, "Archive", nil),
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	active, err := mem.Client("Alice").ActiveContracts(context.Background(), "p:M:Foo")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestMemoryExerciseByKeySeesContractsCreatedInBatch(t *testing.T) {
	mem := NewMemory()
	client := mem.Client("Alice")

	err := client.Submit(context.Background(), []Command{
		Create("p:M:Foo", map[string]any{"id": 7}),
		ExerciseByKey("p:M:Foo", map[string]any{"id": 7}, "Archive", nil),
	})
	require.NoError(t, err)

	active, err := client.ActiveContracts(context.Background(), AnyTemplate)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemoryCreateAndExercise(t *testing.T) {
	mem := NewMemory()
	client := mem.Client("Alice")

	stream, err := client.Subscribe(context.Background(), []string{AnyTemplate})
	require.NoError(t, err)
	defer stream.Close()

	err = client.Submit(context.Background(), []Command{
		CreateAndExercise("p:M:Foo", map[string]any{"n": 1}, "Archive", nil),
	})
	require.NoError(t, err)

	tx := nextTx(t, stream)
	require.Len(t, tx.Events, 2)
	assert.Equal(t, EventCreated, tx.Events[0].Kind)
	assert.Equal(t, EventArchived, tx.Events[1].Kind)
	assert.Equal(t, tx.Events[0].Contract.ContractID, tx.Events[1].Contract.ContractID)

	active, err := client.ActiveContracts(context.Background(), AnyTemplate)
	require.NoError(t, err)
	assert.Empty(t, active)

	err = client.Submit(context.Background(), []Command{
		CreateAndExercise("p:M:Foo", map[string]any{"n": 2}, "Touch", nil),
	})
	require.NoError(t, err)

	tx = nextTx(t, stream)
	require.Len(t, tx.Events, 1)
	active, err = client.ActiveContracts(context.Background(), AnyTemplate)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, tx.Events[0].Contract.ContractID, active[0].ContractID)
}
