// Package errorlist collects user facing error records for a single upload control.
package errorlist

import (
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Record is one user facing error. File is the name of the file it relates to, if any.
type Record struct {
	Message string
	File    string
}

// Renderer displays error records next to the control.
type Renderer interface {
	// Show replaces the displayed list with records.
	Show(records []Record)
	// Focus moves the user's attention to the displayed list.
	Focus()
	// Hide removes the displayed list.
	Hide()
}

// List is an ordered collection of error records.
type List struct {
	mu       sync.Mutex
	records  []Record
	renderer Renderer
}

// New creates an empty list rendered through renderer.
func New(renderer Renderer) *List {
	return &List{renderer: renderer}
}

// Add appends a record.
func (l *List) Add(message, file string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, Record{Message: message, File: file})
}

// AddMessage appends the records found in a transport error message, which is either plain text or a JSON
// object mapping fields to lists of messages.
func (l *List) AddMessage(message, file string) {
	for _, m := range Flatten(message) {
		l.Add(m, file)
	}
}

// Clear removes every record and hides the rendered list.
func (l *List) Clear() {
	l.mu.Lock()
	l.records = nil
	l.mu.Unlock()

	l.renderer.Hide()
}

// Len ...
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Records returns a copy of the records in insertion order.
func (l *List) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...)
}

// Render shows the current records.
func (l *List) Render() {
	l.renderer.Show(l.Records())
}

// RenderAndFocus shows the current records and moves focus to them.
func (l *List) RenderAndFocus() {
	l.Render()
	l.renderer.Focus()
}

// LogRenderer prints records through a logger.
type LogRenderer struct {
	Logger log.Logger
}

// Show ...
func (r LogRenderer) Show(records []Record) {
	for _, record := range records {
		if record.File != "" {
			r.Logger.Errorf("%s (%s)", record.Message, record.File)
		} else {
			r.Logger.Errorf("%s", record.Message)
		}
	}
}

// Focus ...
func (r LogRenderer) Focus() {}

// Hide ...
func (r LogRenderer) Hide() {}
