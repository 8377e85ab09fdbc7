package updater

import (
	"fmt"

	"github.com/surge-downloader/hotupdate/internal/engine/types"
)

// State is the phase of an update pass
type State int

const (
	Idle State = iota
	NegotiatingVersion
	Downloading
	Mounting
	Done
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case NegotiatingVersion:
		return "NegotiatingVersion"
	case Downloading:
		return "Downloading"
	case Mounting:
		return "Mounting"
	case Done:
		return "Done"
	case Error:
		return "Error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether a pass in s has ended
func (s State) Terminal() bool {
	return s == Done || s == Error
}

// Event drives Transition
type Event interface{ isEvent() }

type (
	// Start begins a pass. Skip jumps straight to Done.
	Start struct{ Skip bool }
	// ManifestReceived carries the negotiated manifest
	ManifestReceived struct{ Manifest types.Manifest }
	NegotiationFailed struct{ Err error }
	// DownloadSucceeded carries every manifest package, all now valid on disk
	DownloadSucceeded struct {
		Packages   []types.PackageDescriptor
		Downloaded []string
	}
	DownloadFailed struct{ Err error }
	MountSucceeded struct{}
	MountFailed    struct{ Err error }
	// ForceSkip abandons the pass and reports it finished
	ForceSkip struct{}
)

func (Start) isEvent()             {}
func (ManifestReceived) isEvent()  {}
func (NegotiationFailed) isEvent() {}
func (DownloadSucceeded) isEvent() {}
func (DownloadFailed) isEvent()    {}
func (MountSucceeded) isEvent()    {}
func (MountFailed) isEvent()       {}
func (ForceSkip) isEvent()         {}

// Effect is work requested by Transition. The driver performs it.
type Effect interface{ isEffect() }

type (
	// Negotiate takes the package root lock and asks the server for the manifest
	Negotiate struct{}
	// Download diffs the manifest against disk and fetches what is stale
	Download struct{ Manifest types.Manifest }
	Mount    struct {
		Packages   []types.PackageDescriptor
		Downloaded []string
	}
	NotifyFinished struct{ Skipped bool }
	// NotifyError reports the single terminal error of a pass
	NotifyError struct {
		Phase State
		Err   error
	}
	CancelPass struct{}
	Teardown   struct{}
)

func (Negotiate) isEffect()      {}
func (Download) isEffect()       {}
func (Mount) isEffect()          {}
func (NotifyFinished) isEffect() {}
func (NotifyError) isEffect()    {}
func (CancelPass) isEffect()     {}
func (Teardown) isEffect()       {}

// Transition is the pure state function of an update pass. Events that are not
// valid in s leave the state unchanged and request nothing.
func Transition(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case Start:
		if s != Idle && !s.Terminal() {
			return s, nil
		}
		if e.Skip {
			return Done, []Effect{NotifyFinished{Skipped: true}}
		}
		return NegotiatingVersion, []Effect{Negotiate{}}

	case ManifestReceived:
		if s != NegotiatingVersion {
			return s, nil
		}
		return Downloading, []Effect{Download{Manifest: e.Manifest}}

	case NegotiationFailed:
		if s != NegotiatingVersion {
			return s, nil
		}
		return fail(s, e.Err)

	case DownloadSucceeded:
		if s != Downloading {
			return s, nil
		}
		return Mounting, []Effect{Mount{Packages: e.Packages, Downloaded: e.Downloaded}}

	case DownloadFailed:
		if s != Downloading {
			return s, nil
		}
		return fail(s, e.Err)

	case MountSucceeded:
		if s != Mounting {
			return s, nil
		}
		return Done, []Effect{NotifyFinished{}, Teardown{}}

	case MountFailed:
		if s != Mounting {
			return s, nil
		}
		return fail(s, e.Err)

	case ForceSkip:
		if s == Done {
			return s, nil
		}
		return Done, []Effect{CancelPass{}, NotifyFinished{Skipped: true}, Teardown{}}
	}
	return s, nil
}

func fail(from State, err error) (State, []Effect) {
	return Error, []Effect{NotifyError{Phase: from, Err: err}, Teardown{}}
}
