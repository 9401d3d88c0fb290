// Package chataction implements the Chat-Action Manager (§4.J): a
// per-(chat, topic) scope stack of presence phases (typing, uploading,
// ...) with a single background task refreshing whatever the top of the
// stack resolves to, every RefreshInterval.
//
// Grounded on the teacher's SendSignal (pkg/channels/telegram/telegram_channel.go),
// generalized from "one signal, fire and forget" into a prioritized,
// stackable, auto-refreshing scope model.
package chataction

import (
	"context"
	"sync"
	"time"
)

// Phase is a presence indicator kind.
type Phase int

const (
	PhaseGenerating Phase = iota
	PhaseUploading
	PhaseDownloading
	PhaseProcessing
	PhaseSearching
)

// priority ranks phases when more than one scope is active; higher wins.
var priority = map[Phase]int{
	PhaseUploading:   50,
	PhaseDownloading: 40,
	PhaseSearching:   30,
	PhaseProcessing:  20,
	PhaseGenerating:  10,
}

// RefreshInterval is how often the manager re-sends the platform action
// for whatever is on top of the scope stack.
const RefreshInterval = 4 * time.Second

// FileKind optionally qualifies a scope — e.g. PhaseUploading with
// FileKindPhoto resolves to "upload_photo" rather than generic "upload_document".
type FileKind int

const (
	FileKindNone FileKind = iota
	FileKindPhoto
	FileKindVoice
	FileKindVideo
	FileKindDocument
)

// Resolver maps (phase, file kind) to a platform-specific action string —
// e.g. Telegram's ChatAction constants. Kept as a pluggable function type,
// so a new platform only needs to supply a new Resolver.
type Resolver func(phase Phase, kind FileKind) string

// TelegramResolver is the resolver table grounded on Telegram's chat
// action vocabulary (§4.J resolver table).
func TelegramResolver(phase Phase, kind FileKind) string {
	switch phase {
	case PhaseGenerating:
		return "typing"
	case PhaseUploading:
		switch kind {
		case FileKindPhoto:
			return "upload_photo"
		case FileKindVoice:
			return "upload_voice"
		case FileKindVideo:
			return "upload_video"
		default:
			return "upload_document"
		}
	case PhaseDownloading:
		switch kind {
		case FileKindVoice:
			return "record_voice"
		case FileKindVideo:
			return "record_video"
		default:
			return "typing"
		}
	case PhaseSearching, PhaseProcessing:
		return "typing"
	default:
		return "typing"
	}
}

// Sender is the platform capability the manager drives.
type Sender interface {
	SendChatAction(ctx context.Context, chatID int64, topicID int64, action string) error
}

type scope struct {
	id    int64
	phase Phase
	kind  FileKind
}

// Manager owns one (chat, topic)'s scope stack and background refresher.
type Manager struct {
	sender   Sender
	resolver Resolver
	chatID   int64
	topicID  int64

	mu      sync.Mutex
	scopes  []scope
	nextID  int64
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func newManager(sender Sender, resolver Resolver, chatID, topicID int64) *Manager {
	return &Manager{sender: sender, resolver: resolver, chatID: chatID, topicID: topicID}
}

// PushScope adds a new active phase and returns an opaque scope id for
// later PopScope. Starts the background refresher on the first scope.
func (m *Manager) PushScope(ctx context.Context, phase Phase, kind FileKind) int64 {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.scopes = append(m.scopes, scope{id: id, phase: phase, kind: kind})
	needStart := !m.running
	m.running = true
	m.mu.Unlock()

	if needStart {
		m.startRefresher(ctx)
	} else {
		m.refreshNow(ctx)
	}
	return id
}

// PopScope removes the scope with the given id, regardless of stack
// position (out-of-order safe per §4.J). Stops the refresher if the
// stack becomes empty.
func (m *Manager) PopScope(ctx context.Context, id int64) {
	m.mu.Lock()
	for i, s := range m.scopes {
		if s.id == id {
			m.scopes = append(m.scopes[:i], m.scopes[i+1:]...)
			break
		}
	}
	empty := len(m.scopes) == 0
	m.mu.Unlock()

	if empty {
		m.stopRefresher()
	} else {
		m.refreshNow(ctx)
	}
}

// top resolves the highest-priority active scope, or ok=false if none.
func (m *Manager) top() (scope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.scopes) == 0 {
		return scope{}, false
	}
	best := m.scopes[0]
	for _, s := range m.scopes[1:] {
		if priority[s.phase] > priority[best.phase] {
			best = s
		}
	}
	return best, true
}

func (m *Manager) refreshNow(ctx context.Context) {
	s, ok := m.top()
	if !ok {
		return
	}
	action := m.resolver(s.phase, s.kind)
	_ = m.sender.SendChatAction(ctx, m.chatID, m.topicID, action)
}

func (m *Manager) startRefresher(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stop = stop
	m.done = done
	m.mu.Unlock()

	m.refreshNow(ctx)

	go func() {
		defer close(done)
		ticker := time.NewTicker(RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshNow(ctx)
			}
		}
	}()
}

func (m *Manager) stopRefresher() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.running = false
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
