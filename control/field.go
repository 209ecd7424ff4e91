package control

import "sync"

// Field is a hidden form field holding the materialization token of the current upload session.
// A value can be written once per session, and only by the session that is current.
type Field struct {
	name string

	mu      sync.Mutex
	value   string
	session string
}

func newField(name string) *Field {
	return &Field{name: name}
}

// Name ...
func (f *Field) Name() string {
	return f.name
}

// Value ...
func (f *Field) Value() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// reset empties the field and hands it to session.
func (f *Field) reset(session string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = ""
	f.session = session
}

// write stores value if session is the owner and nothing was written yet.
func (f *Field) write(session, value string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session != session || f.value != "" {
		return false
	}
	f.value = value
	return true
}
