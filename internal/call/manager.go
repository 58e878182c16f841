package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// ManagerConfig carries the collaborators shared by every controller.
type ManagerConfig struct {
	SelfID      string
	Signaler    Signaler
	Peers       PeerFactory
	Media       MediaSource
	CallLog     CallLog
	Directory   Directory
	RingTimeout time.Duration
}

// Manager owns one Controller per open conversation and fans their state
// changes out to subscribers.
type Manager struct {
	cfg ManagerConfig

	mu          sync.RWMutex
	controllers map[string]*Controller
	ringTimeout time.Duration

	subMu sync.RWMutex
	subs  map[chan Snapshot]struct{}

	endMu    sync.RWMutex
	onCallEnd []func(conversationID string, info EndInfo)

	closed bool // under mu
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:         cfg,
		controllers: make(map[string]*Controller),
		ringTimeout: cfg.RingTimeout,
		subs:        make(map[chan Snapshot]struct{}),
	}
}

func (m *Manager) SelfID() string { return m.cfg.SelfID }

// OnCallEnd registers a handler fired once per finished attempt.
func (m *Manager) OnCallEnd(fn func(conversationID string, info EndInfo)) {
	m.endMu.Lock()
	m.onCallEnd = append(m.onCallEnd, fn)
	m.endMu.Unlock()
}

// Open returns the controller for conversationID, creating and subscribing
// it on first use.
func (m *Manager) Open(conversationID string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	if c, ok := m.controllers[conversationID]; ok {
		return c, nil
	}
	c, err := NewController(Options{
		ConversationID: conversationID,
		SelfID:         m.cfg.SelfID,
		Signaler:       m.cfg.Signaler,
		Peers:          m.cfg.Peers,
		Media:          m.cfg.Media,
		CallLog:        m.cfg.CallLog,
		RingTimeout:    m.ringTimeout,
		OnChange:       m.broadcast,
		OnCallEnd: func(info EndInfo) {
			m.fireCallEnd(conversationID, info)
		},
	})
	if err != nil {
		return nil, err
	}
	m.controllers[conversationID] = c
	log.Printf("CALL: opened conversation %s", conversationID)
	return c, nil
}

// Get returns the controller for conversationID, if open.
func (m *Manager) Get(conversationID string) (*Controller, bool) {
	m.mu.RLock()
	c, ok := m.controllers[conversationID]
	m.mu.RUnlock()
	return c, ok
}

// Start opens the conversation and calls remoteID, or the participant the
// directory names for the conversation when remoteID is empty.
func (m *Manager) Start(ctx context.Context, conversationID string, callType CallType, remoteID string) error {
	if remoteID == "" {
		if m.cfg.Directory == nil {
			return opError("start", ErrInvalidArgument, errors.New("no remote participant and no directory"))
		}
		r, err := m.cfg.Directory.RemoteParticipant(conversationID)
		if err != nil {
			return opError("start", ErrInvalidArgument, fmt.Errorf("resolve %s: %w", conversationID, err))
		}
		remoteID = r
	}
	c, err := m.Open(conversationID)
	if err != nil {
		return err
	}
	return c.StartCall(ctx, callType, remoteID)
}

func (m *Manager) Answer(ctx context.Context, conversationID string) error {
	c, err := m.existing("answer", conversationID)
	if err != nil {
		return err
	}
	return c.AnswerCall(ctx)
}

func (m *Manager) End(ctx context.Context, conversationID string) error {
	c, err := m.existing("end", conversationID)
	if err != nil {
		return err
	}
	return c.EndCall(ctx)
}

func (m *Manager) ToggleMute(conversationID string) (bool, error) {
	c, err := m.existing("toggle-mute", conversationID)
	if err != nil {
		return false, err
	}
	return c.ToggleMute(), nil
}

func (m *Manager) ToggleVideo(conversationID string) (bool, error) {
	c, err := m.existing("toggle-video", conversationID)
	if err != nil {
		return true, err
	}
	return c.ToggleVideo(), nil
}

func (m *Manager) existing(op, conversationID string) (*Controller, error) {
	c, ok := m.Get(conversationID)
	if !ok {
		return nil, opError(op, ErrInvalidStateTransition, fmt.Errorf("conversation %s is not open", conversationID))
	}
	return c, nil
}

// List returns a snapshot of every open conversation, ordered by ID.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.controllers))
	for _, c := range m.controllers {
		out = append(out, c.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// SetRingTimeout applies to every open controller and to later ones.
func (m *Manager) SetRingTimeout(d time.Duration) {
	m.mu.Lock()
	m.ringTimeout = d
	for _, c := range m.controllers {
		c.SetRingTimeout(d)
	}
	m.mu.Unlock()
}

// Subscribe returns a channel of snapshots for every state change. Slow
// subscribers miss updates rather than stall the controllers.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 64)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) broadcast(s Snapshot) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (m *Manager) fireCallEnd(conversationID string, info EndInfo) {
	m.endMu.RLock()
	handlers := make([]func(string, EndInfo), len(m.onCallEnd))
	copy(handlers, m.onCallEnd)
	m.endMu.RUnlock()
	for _, fn := range handlers {
		fn(conversationID, info)
	}
}

// CloseConversation releases the controller of a conversation view, ending
// any call in progress.
func (m *Manager) CloseConversation(conversationID string) {
	m.mu.Lock()
	c, ok := m.controllers[conversationID]
	delete(m.controllers, conversationID)
	m.mu.Unlock()
	if ok {
		c.Close()
		log.Printf("CALL: closed conversation %s", conversationID)
	}
}

// Close shuts down the manager and every controller.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	controllers := m.controllers
	m.controllers = make(map[string]*Controller)
	m.mu.Unlock()

	for _, c := range controllers {
		c.Close()
	}
}
