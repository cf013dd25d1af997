package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Submission is one batch recorded by the in-memory ledger.
type Submission struct {
	Party     string
	CommandID string
	Commands  []Command
}

// Memory is a process-local ledger used by the memory:// transport and in
// tests. Every contract is visible to every party.
type Memory struct {
	mu       sync.Mutex
	offset   int64
	order    []string
	active   map[string]Contract
	streams  map[int]*memStream
	nextID   int
	failure  error
	history  []Submission
	rejectFn func(Submission) error
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		active:  make(map[string]Contract),
		streams: make(map[int]*memStream),
	}
}

// Client returns a client acting as party.
func (m *Memory) Client(party string) Client {
	return &memClient{ledger: m, party: party}
}

// Create commits a single-create transaction outside of any submission.
func (m *Memory) Create(template string, payload map[string]any) Contract {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.createLocked(template, payload)
	m.commitLocked("", []Event{{Kind: EventCreated, Contract: c}})
	return c
}

// Archive commits a single-archive transaction.
func (m *Memory) Archive(contractID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.archiveLocked(contractID)
	if !ok {
		return fmt.Errorf("unknown contract %s", contractID)
	}
	m.commitLocked("", []Event{{Kind: EventArchived, Contract: c}})
	return nil
}

// Submissions returns every accepted submission in order.
func (m *Memory) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Submission, len(m.history))
	copy(out, m.history)
	return out
}

// RejectWith makes Submit fail when fn returns an error.
func (m *Memory) RejectWith(fn func(Submission) error) {
	m.mu.Lock()
	m.rejectFn = fn
	m.mu.Unlock()
}

// Fail simulates an unrecoverable connection loss: every open stream ends
// with err and later calls fail.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
	for id, s := range m.streams {
		s.finish(err)
		delete(m.streams, id)
	}
}

func newContract(template string, payload map[string]any) Contract {
	return Contract{
		ContractID: "#" + uuid.NewString(),
		TemplateID: template,
		Payload:    payload,
	}
}

func (m *Memory) createLocked(template string, payload map[string]any) Contract {
	c := newContract(template, payload)
	m.insertLocked(c)
	return c
}

func (m *Memory) insertLocked(c Contract) {
	m.active[c.ContractID] = c
	m.order = append(m.order, c.ContractID)
}

func (m *Memory) archiveLocked(contractID string) (Contract, bool) {
	c, ok := m.active[contractID]
	if !ok {
		return Contract{}, false
	}
	delete(m.active, contractID)
	for i, id := range m.order {
		if id == contractID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return Contract{ContractID: c.ContractID, TemplateID: c.TemplateID}, true
}

func (m *Memory) commitLocked(commandID string, events []Event) {
	m.offset++
	tx := Transaction{
		TransactionID: uuid.NewString(),
		CommandID:     commandID,
		Offset:        strconv.FormatInt(m.offset, 10),
		Events:        events,
	}
	for _, s := range m.streams {
		s.push(tx)
	}
}

func (m *Memory) submit(party string, commands []Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failure != nil {
		return m.failure
	}

	sub := Submission{Party: party, CommandID: uuid.NewString(), Commands: commands}
	if m.rejectFn != nil {
		if err := m.rejectFn(sub); err != nil {
			return err
		}
	}

	st := newStage(m)
	for _, cmd := range commands {
		if err := st.apply(cmd); err != nil {
			return err
		}
	}

	m.history = append(m.history, sub)
	for _, ev := range st.events {
		if ev.Kind == EventCreated {
			m.insertLocked(ev.Contract)
		} else {
			m.archiveLocked(ev.Contract.ContractID)
		}
	}
	if len(st.events) > 0 {
		m.commitLocked(sub.CommandID, st.events)
	}
	return nil
}

// stage plans a batch against the active set without changing it. The
// events are applied only once every command in the batch succeeded.
type stage struct {
	m        *Memory
	created  map[string]Contract
	order    []string
	archived map[string]bool
	events   []Event
}

func newStage(m *Memory) *stage {
	return &stage{
		m:        m,
		created:  make(map[string]Contract),
		archived: make(map[string]bool),
	}
}

func (st *stage) apply(cmd Command) error {
	switch cmd.Kind {
	case CommandCreate:
		st.create(cmd.TemplateID, cmd.Arguments)
	case CommandCreateAndExercise:
		c := st.create(cmd.TemplateID, cmd.Arguments)
		st.exercise(c, cmd.Choice)
	case CommandExercise:
		c, ok := st.lookup(cmd.ContractID)
		if !ok {
			return fmt.Errorf("exercise %s on unknown contract %s", cmd.Choice, cmd.ContractID)
		}
		st.exercise(c, cmd.Choice)
	case CommandExerciseByKey:
		c, err := st.byKey(cmd.TemplateID, cmd.Key)
		if err != nil {
			return fmt.Errorf("exercise %s by key: %w", cmd.Choice, err)
		}
		st.exercise(c, cmd.Choice)
	default:
		return fmt.Errorf("unsupported command kind %q", cmd.Kind)
	}
	return nil
}

func (st *stage) lookup(contractID string) (Contract, bool) {
	if st.archived[contractID] {
		return Contract{}, false
	}
	if c, ok := st.created[contractID]; ok {
		return c, true
	}
	c, ok := st.m.active[contractID]
	return c, ok
}

func (st *stage) create(template string, payload map[string]any) Contract {
	c := newContract(template, payload)
	st.created[c.ContractID] = c
	st.order = append(st.order, c.ContractID)
	st.events = append(st.events, Event{Kind: EventCreated, Contract: c})
	return c
}

// exercise records the archive for the consuming Archive choice. Other
// choices leave the contract active.
func (st *stage) exercise(c Contract, choice string) {
	if choice != "Archive" {
		return
	}
	st.archived[c.ContractID] = true
	st.events = append(st.events, Event{
		Kind:     EventArchived,
		Contract: Contract{ContractID: c.ContractID, TemplateID: c.TemplateID},
	})
}

// byKey finds the one contract of template whose payload holds every field
// of key. Keys must be records.
func (st *stage) byKey(template string, key any) (Contract, error) {
	var fields Match
	switch k := key.(type) {
	case map[string]any:
		fields = k
	case Match:
		fields = k
	default:
		return Contract{}, fmt.Errorf("key of %s must be a record, got %T", template, key)
	}
	if len(fields) == 0 {
		return Contract{}, fmt.Errorf("empty key for %s", template)
	}

	var found []Contract
	for _, ids := range [][]string{st.m.order, st.order} {
		for _, id := range ids {
			c, ok := st.lookup(id)
			if ok && c.TemplateID == template && fields.Matches(c.Payload) {
				found = append(found, c)
			}
		}
	}
	switch len(found) {
	case 0:
		return Contract{}, fmt.Errorf("no active %s contract with key %v", template, key)
	case 1:
		return found[0], nil
	default:
		return Contract{}, fmt.Errorf("key %v matches %d active %s contracts", key, len(found), template)
	}
}

func (m *Memory) activeContracts(template string) ([]Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failure != nil {
		return nil, m.failure
	}

	var out []Contract
	for _, id := range m.order {
		c := m.active[id]
		if TemplateMatches(template, c.TemplateID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) subscribe(ctx context.Context) (*memStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failure != nil {
		return nil, m.failure
	}

	id := m.nextID
	m.nextID++
	s := newMemStream(func() {
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
	})
	m.streams[id] = s
	go s.pump(ctx)
	return s, nil
}

type memClient struct {
	ledger *Memory
	party  string
}

func (c *memClient) ActiveContracts(_ context.Context, template string) ([]Contract, error) {
	return c.ledger.activeContracts(template)
}

func (c *memClient) Subscribe(ctx context.Context, _ []string) (Stream, error) {
	return c.ledger.subscribe(ctx)
}

func (c *memClient) Submit(ctx context.Context, commands []Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ledger.submit(c.party, commands)
}

func (c *memClient) Party() string {
	return c.party
}

// memStream buffers without bound so commits never block on slow readers.
type memStream struct {
	mu      sync.Mutex
	pending []Transaction
	wake    chan struct{}
	done    chan struct{}
	out     chan Transaction
	err     error
	closed  bool
	onClose func()
}

func newMemStream(onClose func()) *memStream {
	return &memStream{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     make(chan Transaction),
		onClose: onClose,
	}
}

func (s *memStream) push(tx Transaction) {
	s.mu.Lock()
	s.pending = append(s.pending, tx)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

func (s *memStream) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next *Transaction
		if len(s.pending) > 0 {
			tx := s.pending[0]
			s.pending = s.pending[1:]
			next = &tx
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				s.finish(nil)
				return
			}
		}

		select {
		case s.out <- *next:
		case <-s.done:
			return
		case <-ctx.Done():
			s.finish(nil)
			return
		}
	}
}

func (s *memStream) Transactions() <-chan Transaction {
	return s.out
}

func (s *memStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memStream) Close() error {
	s.finish(nil)
	s.onClose()
	return nil
}

// errMemoryClosed is reported to streams when the ledger is shut down.
var errMemoryClosed = errors.New("memory ledger closed")

// Close ends every open stream as a connection loss.
func (m *Memory) Close() error {
	m.Fail(errMemoryClosed)
	return nil
}
