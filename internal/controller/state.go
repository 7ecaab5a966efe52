package controller

import (
	"github.com/example/plantid/internal/identify"
	"github.com/example/plantid/internal/plant"
)

// State is the request state. Exactly one of Idle, Loading, Success or Failed.
type State interface {
	isState()
}

// Idle means nothing is selected.
type Idle struct{}

// Loading means the current selection is being identified.
type Loading struct{}

// Success holds the identification of the current selection.
type Success struct {
	Result plant.Result
}

// Failed holds the user-facing message for a failed identification.
type Failed struct {
	Kind    identify.Kind
	Message string
}

func (Idle) isState()    {}
func (Loading) isState() {}
func (Success) isState() {}
func (Failed) isState()  {}

// Mode names the surface a front end should show.
type Mode string

const (
	ModeUpload  Mode = "upload"
	ModeLoading Mode = "loading"
	ModeResult  Mode = "result"
	ModeError   Mode = "error"
)

// View is a consistent snapshot of the controller.
type View struct {
	State State
	// ImageName and PreviewHandle are empty when nothing is selected.
	ImageName     string
	PreviewHandle string
}

// Mode derives which surface to render from the state.
func (v View) Mode() Mode {
	switch v.State.(type) {
	case Loading:
		return ModeLoading
	case Success:
		return ModeResult
	case Failed:
		return ModeError
	default:
		return ModeUpload
	}
}

// HasSelection reports whether an image is selected.
func (v View) HasSelection() bool { return v.PreviewHandle != "" }
