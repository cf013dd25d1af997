package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/mattjoyce/conduit/internal/ledger"
	"github.com/mattjoyce/conduit/internal/ledger/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fooTemplate = "pkg:Main:Foo"

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []string
	create []ledger.CreateEvent
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) onCreate(_ context.Context, ev ledger.CreateEvent) {
	r.mu.Lock()
	r.create = append(r.create, ev)
	r.events = append(r.events, "create:"+ev.ContractID)
	r.mu.Unlock()
}

func (r *recorder) creates() []ledger.CreateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.CreateEvent, len(r.create))
	copy(out, r.create)
	return out
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func runMux(t *testing.T, mux *ledger.Multiplexer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Run(ctx) }()
	return cancel, done
}

func TestMultiplexerSweepBeforeLive(t *testing.T) {
	mem := ledger.NewMemory()
	c1 := mem.Create(fooTemplate, map[string]any{"n": 1})
	c2 := mem.Create(fooTemplate, map[string]any{"n": 2})
	mem.Create("pkg:Main:Bar", nil)

	rec := &recorder{}
	ready := make(chan struct{})
	sub := &ledger.Subscription{Template: fooTemplate, Sweep: true, Flow: true, OnCreate: rec.onCreate}

	mux := ledger.NewMultiplexer(mem.Client("Alice"), testLogger())
	require.NoError(t, mux.AddCreated(sub))
	mux.SetHooks(ledger.Hooks{Ready: func(context.Context) { close(ready) }})

	cancel, done := runMux(t, mux)
	defer cancel()

	<-ready
	assert.Equal(t, ledger.StateLive, sub.State())
	c3 := mem.Create(fooTemplate, map[string]any{"n": 3})

	require.Eventually(t, func() bool { return len(rec.creates()) == 3 }, 2*time.Second, 5*time.Millisecond)

	got := rec.creates()
	assert.ElementsMatch(t, []string{c1.ContractID, c2.ContractID}, []string{got[0].ContractID, got[1].ContractID})
	assert.True(t, got[0].Initial)
	assert.True(t, got[1].Initial)
	assert.Equal(t, c3.ContractID, got[2].ContractID)
	assert.False(t, got[2].Initial)
	assert.EqualValues(t, 2, mux.SweepEvents())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, ledger.StateStopped, sub.State())
}

func TestMultiplexerDedupsSweptContracts(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	stream := mocks.NewMockStream(ctrl)

	swept := ledger.Contract{ContractID: "#1", TemplateID: fooTemplate}
	fresh := ledger.Contract{ContractID: "#2", TemplateID: fooTemplate}

	txs := make(chan ledger.Transaction, 2)
	// The stream reports the swept contract again because the subscription
	// was opened before the snapshot was taken.
	txs <- ledger.Transaction{Offset: "1", Events: []ledger.Event{{Kind: ledger.EventCreated, Contract: swept}}}
	txs <- ledger.Transaction{Offset: "2", Events: []ledger.Event{{Kind: ledger.EventCreated, Contract: fresh}}}

	client.EXPECT().Subscribe(gomock.Any(), []string{fooTemplate}).Return(stream, nil)
	client.EXPECT().ActiveContracts(gomock.Any(), fooTemplate).Return([]ledger.Contract{swept}, nil)
	stream.EXPECT().Transactions().Return((<-chan ledger.Transaction)(txs)).AnyTimes()
	stream.EXPECT().Close().Return(nil)

	rec := &recorder{}
	mux := ledger.NewMultiplexer(client, testLogger())
	require.NoError(t, mux.AddCreated(&ledger.Subscription{Template: fooTemplate, Sweep: true, Flow: true, OnCreate: rec.onCreate}))

	cancel, done := runMux(t, mux)
	require.Eventually(t, func() bool { return len(rec.creates()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got := rec.creates()
	require.Len(t, got, 2)
	assert.Equal(t, "#1", got[0].ContractID)
	assert.True(t, got[0].Initial)
	assert.Equal(t, "#2", got[1].ContractID)
	assert.False(t, got[1].Initial)
}

func TestMultiplexerStreamFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	stream := mocks.NewMockStream(ctrl)

	txs := make(chan ledger.Transaction)
	close(txs)
	lost := errors.New("connection lost")

	client.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(stream, nil)
	stream.EXPECT().Transactions().Return((<-chan ledger.Transaction)(txs)).AnyTimes()
	stream.EXPECT().Err().Return(lost)
	stream.EXPECT().Close().Return(nil)

	mux := ledger.NewMultiplexer(client, testLogger())
	require.NoError(t, mux.AddArchived(&ledger.ArchiveSubscription{Template: "*", OnArchive: func(context.Context, ledger.ArchiveEvent) {}}))

	err := mux.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, lost)
}

func TestMultiplexerSubscribeFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(nil, errors.New("refused"))

	mux := ledger.NewMultiplexer(client, testLogger())
	err := mux.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestMultiplexerArchivesAreNotFiltered(t *testing.T) {
	mem := ledger.NewMemory()
	pre := mem.Create(fooTemplate, nil)

	var mu sync.Mutex
	var archived []string
	ready := make(chan struct{})

	mux := ledger.NewMultiplexer(mem.Client("Alice"), testLogger())
	// No created handler at all: the archive must still be delivered.
	require.NoError(t, mux.AddArchived(&ledger.ArchiveSubscription{
		Template: fooTemplate,
		OnArchive: func(_ context.Context, ev ledger.ArchiveEvent) {
			mu.Lock()
			archived = append(archived, ev.ContractID)
			mu.Unlock()
		},
	}))
	mux.SetHooks(ledger.Hooks{Ready: func(context.Context) { close(ready) }})

	cancel, done := runMux(t, mux)
	<-ready
	require.NoError(t, mem.Archive(pre.ContractID))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(archived) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, pre.ContractID, archived[0])

	cancel()
	require.NoError(t, <-done)
}

func TestMultiplexerFlagsAndMatch(t *testing.T) {
	mem := ledger.NewMemory()
	mem.Create(fooTemplate, map[string]any{"owner": "Alice"})
	mem.Create(fooTemplate, map[string]any{"owner": "Bob"})

	sweepOnly := &recorder{}
	flowOnly := &recorder{}
	aliceOnly := &recorder{}
	ready := make(chan struct{})

	mux := ledger.NewMultiplexer(mem.Client("Alice"), testLogger())
	require.NoError(t, mux.AddCreated(&ledger.Subscription{Template: fooTemplate, Sweep: true, Flow: false, OnCreate: sweepOnly.onCreate}))
	require.NoError(t, mux.AddCreated(&ledger.Subscription{Template: fooTemplate, Sweep: false, Flow: true, OnCreate: flowOnly.onCreate}))
	require.NoError(t, mux.AddCreated(&ledger.Subscription{Template: fooTemplate, Sweep: true, Flow: true, Match: ledger.Match{"owner": "Alice"}, OnCreate: aliceOnly.onCreate}))
	mux.SetHooks(ledger.Hooks{Ready: func(context.Context) { close(ready) }})

	cancel, done := runMux(t, mux)
	<-ready
	mem.Create(fooTemplate, map[string]any{"owner": "Alice"})

	require.Eventually(t, func() bool { return len(flowOnly.creates()) == 1 && len(aliceOnly.creates()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, sweepOnly.creates(), 2, "sweep-only subscription must not see live contracts")
	assert.False(t, flowOnly.creates()[0].Initial)
	for _, ev := range aliceOnly.creates() {
		assert.Equal(t, "Alice", ev.Payload["owner"])
	}
}

func TestMultiplexerHookOrdering(t *testing.T) {
	mem := ledger.NewMemory()
	mem.Create(fooTemplate, nil)

	rec := &recorder{}
	ready := make(chan struct{})
	mux := ledger.NewMultiplexer(mem.Client("Alice"), testLogger())
	require.NoError(t, mux.AddCreated(&ledger.Subscription{Template: fooTemplate, Sweep: true, Flow: true, OnCreate: rec.onCreate}))
	mux.SetHooks(ledger.Hooks{
		Init:    func(context.Context) { rec.add("init") },
		Ready:   func(context.Context) { rec.add("ready"); close(ready) },
		TxStart: func(context.Context, ledger.TransactionEvent) { rec.add("tx-start") },
		TxEnd:   func(context.Context, ledger.TransactionEvent) { rec.add("tx-end") },
	})

	cancel, done := runMux(t, mux)
	<-ready
	c := mem.Create(fooTemplate, nil)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 6 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	events := rec.snapshot()
	assert.Equal(t, "init", events[0])
	assert.Regexp(t, "^create:", events[1])
	assert.Equal(t, "ready", events[2])
	assert.Equal(t, []string{"tx-start", "create:" + c.ContractID, "tx-end"}, events[3:])
}

func TestMultiplexerRejectsLateRegistration(t *testing.T) {
	mem := ledger.NewMemory()
	mux := ledger.NewMultiplexer(mem.Client("Alice"), testLogger())
	ready := make(chan struct{})
	mux.SetHooks(ledger.Hooks{Ready: func(context.Context) { close(ready) }})

	cancel, done := runMux(t, mux)
	<-ready
	assert.Error(t, mux.AddCreated(&ledger.Subscription{Template: fooTemplate}))
	cancel()
	require.NoError(t, <-done)
}
