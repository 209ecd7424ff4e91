package control

import (
	"github.com/bitrise-io/go-utils/v2/log"
)

const noSelectionLabel = "No selection yet."

// Indicator displays the selection and the upload progress of a control.
type Indicator interface {
	// Browse shows the file picker with label.
	Browse(label string)
	// HideBrowse removes the file picker once the upload started.
	HideBrowse()
	// Start shows an indeterminate, pending progress indicator.
	Start()
	// Progress shows the fraction sent, in [0, 1].
	Progress(fraction float64)
	// Indeterminate switches the indicator to an unknown amount of remaining work.
	Indeterminate()
	Success()
	Failure()
	// Reset removes the progress indicator.
	Reset()
}

// LogIndicator reports progress through a logger.
type LogIndicator struct {
	Logger log.Logger
}

// Browse ...
func (i LogIndicator) Browse(label string) {
	i.Logger.Printf("Selection: %s", label)
}

// HideBrowse ...
func (i LogIndicator) HideBrowse() {}

// Start ...
func (i LogIndicator) Start() {
	i.Logger.Infof("Upload started")
}

// Progress ...
func (i LogIndicator) Progress(fraction float64) {
	i.Logger.Printf("Uploaded %.1f%%", fraction*100)
}

// Indeterminate ...
func (i LogIndicator) Indeterminate() {
	i.Logger.Debugf("Waiting for the server")
}

// Success ...
func (i LogIndicator) Success() {
	i.Logger.Donef("Upload processed")
}

// Failure ...
func (i LogIndicator) Failure() {
	i.Logger.Errorf("Upload failed")
}

// Reset ...
func (i LogIndicator) Reset() {}
