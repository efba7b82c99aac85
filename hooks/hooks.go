package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Backup Lifecycle Events
	EventPreCreateBackup  EventType = "PreCreateBackup"
	EventPostCreateBackup EventType = "PostCreateBackup"
	EventPreRestore       EventType = "PreRestore"
	EventPostRestore      EventType = "PostRestore"
	EventPostPruneBackups EventType = "PostPruneBackups"

	// Version Lifecycle Events
	EventPreActivate    EventType = "PreActivate"
	EventPostActivate   EventType = "PostActivate"
	EventPostInstall    EventType = "PostInstall"
	EventPreUninstall   EventType = "PreUninstall"
	EventPostUninstall  EventType = "PostUninstall"
	EventPostCleanup    EventType = "PostCleanup"
	EventPostUpdateFail EventType = "PostUpdateFail"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// Pre-events run synchronously and an error cancels the operation.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// HookListener receives events it was registered for.
type HookListener interface {
	// OnEvent is called when a registered event is triggered. Returning an
	// error from a Pre event cancels the operation; errors from Post events
	// are logged.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post events.
	IsAsync() bool
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreCreateBackupPayload is sent before a backup archive is written.
// Extra may be modified by listeners to add metadata fields.
type PreCreateBackupPayload struct {
	Version    string
	Reason     string
	OutputPath string
	Extra      map[string]string
}

func NewPreCreateBackupEvent(payload PreCreateBackupPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCreateBackup, payload: payload}
}

// PostCreateBackupPayload is sent after a backup archive is in place.
type PostCreateBackupPayload struct {
	Version string
	Reason  string
	Path    string
	Size    int64
}

func NewPostCreateBackupEvent(payload PostCreateBackupPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCreateBackup, payload: payload}
}

// PreRestorePayload is sent once the archive metadata has been validated and
// before anything in the target root is touched.
type PreRestorePayload struct {
	ArchivePath string
	TargetRoot  string
	Version     string
}

func NewPreRestoreEvent(payload PreRestorePayload) HookEvent {
	return &BaseEvent{eventType: EventPreRestore, payload: payload}
}

// PostRestorePayload is sent after the pointer and manifest name the restored version.
type PostRestorePayload struct {
	ArchivePath string
	TargetRoot  string
	Version     string
	Provisioned bool
}

func NewPostRestoreEvent(payload PostRestorePayload) HookEvent {
	return &BaseEvent{eventType: EventPostRestore, payload: payload}
}

// PostPruneBackupsPayload lists the archives removed by retention.
type PostPruneBackupsPayload struct {
	Deleted []string
	DryRun  bool
}

func NewPostPruneBackupsEvent(payload PostPruneBackupsPayload) HookEvent {
	return &BaseEvent{eventType: EventPostPruneBackups, payload: payload}
}

// PreActivatePayload is sent before the current pointer is switched.
type PreActivatePayload struct {
	From string
	To   string
}

func NewPreActivateEvent(payload PreActivatePayload) HookEvent {
	return &BaseEvent{eventType: EventPreActivate, payload: payload}
}

// PostActivatePayload is sent after the pointer and manifest both name To.
type PostActivatePayload struct {
	From string
	To   string
}

func NewPostActivateEvent(payload PostActivatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostActivate, payload: payload}
}

type PostInstallPayload struct {
	Version    string
	VersionDir string
}

func NewPostInstallEvent(payload PostInstallPayload) HookEvent {
	return &BaseEvent{eventType: EventPostInstall, payload: payload}
}

type PreUninstallPayload struct {
	Version string
}

func NewPreUninstallEvent(payload PreUninstallPayload) HookEvent {
	return &BaseEvent{eventType: EventPreUninstall, payload: payload}
}

type PostUninstallPayload struct {
	Version string
}

func NewPostUninstallEvent(payload PostUninstallPayload) HookEvent {
	return &BaseEvent{eventType: EventPostUninstall, payload: payload}
}

// PostCleanupPayload lists the version directories removed by retention.
type PostCleanupPayload struct {
	Removed []string
	DryRun  bool
}

func NewPostCleanupEvent(payload PostCleanupPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCleanup, payload: payload}
}

// PostUpdateFailPayload names the stage at which an update stopped.
type PostUpdateFailPayload struct {
	Version string
	Stage   string
	Err     error
}

func NewPostUpdateFailEvent(payload PostUpdateFailPayload) HookEvent {
	return &BaseEvent{eventType: EventPostUpdateFail, payload: payload}
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Slices are kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := append([]*listenerWithPriority(nil), m.listeners[event.Type()]...)
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
