package tagmanager

import (
	"context"
	"sync"
)

// Memory is an in-process Runtime. Its fault toggles let tests and local runs
// reproduce a broken page.
type Memory struct {
	mu sync.Mutex

	containerID        string
	dataLayerAvailable bool
	pushWorks          bool
	container          ContainerState
	legacy             LegacyState
	installErr         error
	entries            []Entry
}

// NewMemory returns a healthy runtime for containerID: event log writable,
// container loaded and registered, no legacy tracker installed.
func NewMemory(containerID string) *Memory {
	return &Memory{
		containerID:        containerID,
		dataLayerAvailable: true,
		pushWorks:          true,
		container:          ContainerState{ScriptLoaded: true, Registered: true},
	}
}

// SetDataLayerAvailable toggles the presence of the event log.
func (m *Memory) SetDataLayerAvailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataLayerAvailable = v
}

// SetPushWorks makes pushes silently vanish when false.
func (m *Memory) SetPushWorks(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushWorks = v
}

// SetContainer overrides the container state.
func (m *Memory) SetContainer(state ContainerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.container = state
}

// SetLegacy overrides the legacy tracker state.
func (m *Memory) SetLegacy(state LegacyState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legacy = state
}

// FailInstall makes InstallLegacy return err.
func (m *Memory) FailInstall(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installErr = err
}

func (m *Memory) ContainerID() string { return m.containerID }

func (m *Memory) EventLog(context.Context) (EventLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dataLayerAvailable {
		return nil, ErrUnavailable
	}
	return memoryLog{m}, nil
}

func (m *Memory) Container(context.Context) (ContainerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.container, nil
}

func (m *Memory) PauseContainer(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.container.ScriptLoaded {
		return ErrUnavailable
	}
	m.container.Paused = true
	return nil
}

func (m *Memory) Legacy(context.Context) (LegacyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.legacy
	if state.Config != nil {
		cfg := *state.Config
		state.Config = &cfg
	}
	return state, nil
}

func (m *Memory) InstallLegacy(_ context.Context, cfg LegacyConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.installErr != nil {
		return m.installErr
	}
	m.legacy = LegacyState{Installed: true, Callable: true, Config: &cfg}
	return nil
}

type memoryLog struct{ m *Memory }

func (l memoryLog) Push(_ context.Context, e Entry) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if !l.m.dataLayerAvailable {
		return ErrUnavailable
	}
	if !l.m.pushWorks {
		return nil
	}
	copied := make(Entry, len(e))
	for k, v := range e {
		copied[k] = v
	}
	l.m.entries = append(l.m.entries, copied)
	return nil
}

func (l memoryLog) Entries(context.Context) ([]Entry, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if !l.m.dataLayerAvailable {
		return nil, ErrUnavailable
	}
	return append([]Entry(nil), l.m.entries...), nil
}

func (l memoryLog) RemoveBySystem(_ context.Context, system string) (int, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	kept := l.m.entries[:0]
	removed := 0
	for _, e := range l.m.entries {
		if e[SystemKey] == system {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.m.entries = kept
	return removed, nil
}

var _ Runtime = (*Memory)(nil)
