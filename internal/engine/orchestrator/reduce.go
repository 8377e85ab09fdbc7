package orchestrator

import (
	"errors"

	"github.com/surge-downloader/hotupdate/internal/engine/events"
	"github.com/surge-downloader/hotupdate/internal/engine/task"
	"github.com/surge-downloader/hotupdate/internal/engine/types"
)

// Failure is one entry of the failed set
type Failure struct {
	Info types.TaskInfo
	Err  error
}

// PassOutcome is the bookkeeping of one pass. Active and Failed are disjoint.
// Only the Wait loop mutates it.
type PassOutcome struct {
	Active      map[string]types.TaskInfo
	Failed      map[string]Failure
	Completed   map[string]types.TaskInfo
	HeadRetries map[string]bool
}

func newPassOutcome() PassOutcome {
	return PassOutcome{
		Active:      make(map[string]types.TaskInfo),
		Failed:      make(map[string]Failure),
		Completed:   make(map[string]types.TaskInfo),
		HeadRetries: make(map[string]bool),
	}
}

// Settled reports whether no task is active any more
func (o *PassOutcome) Settled() bool {
	return len(o.Active) == 0
}

// BytesDone sums committed bytes of completed tasks and received bytes of active ones
func (o *PassOutcome) BytesDone() int64 {
	var done int64
	for _, info := range o.Completed {
		done += info.CurrentSize
	}
	for _, info := range o.Active {
		done += info.DownloadSize
	}
	return done
}

// markFailed moves id into the failed set
func (o *PassOutcome) markFailed(info types.TaskInfo, err error) {
	delete(o.Active, info.ID)
	delete(o.Completed, info.ID)
	o.Failed[info.ID] = Failure{Info: info, Err: err}
}

type effectKind int

const (
	effectProgress effectKind = iota
	effectFileStarted
	effectInstall
	effectRetry
	effectFileFailed
)

type effect struct {
	kind effectKind
	info types.TaskInfo
	err  error
}

// reduce applies ev to o and returns the side effects the loop must perform.
// Events for tasks that are no longer active are ignored.
func reduce(o *PassOutcome, ev events.TaskEvent) []effect {
	id := ev.TaskID()
	if _, ok := o.Active[id]; !ok {
		return nil
	}
	info := ev.Info()

	switch e := ev.(type) {
	case events.HeadRequested, events.ChunkStarted:
		o.Active[id] = info
		return nil

	case events.HeadReceived:
		o.Active[id] = info
		return []effect{{kind: effectFileStarted, info: info}}

	case events.Progress:
		o.Active[id] = info
		return []effect{{kind: effectProgress}}

	case events.Completed:
		delete(o.Active, id)
		o.Completed[id] = info
		return []effect{{kind: effectInstall, info: info}, {kind: effectProgress}}

	case events.Failed:
		// A HEAD that failed on the network gets one more attempt in this pass
		if e.Phase == task.PhaseHead && errors.Is(e.Err, types.ErrNetwork) && !o.HeadRetries[id] {
			o.HeadRetries[id] = true
			o.Active[id] = info
			return []effect{{kind: effectRetry, info: info, err: e.Err}}
		}
		o.markFailed(info, e.Err)
		return []effect{{kind: effectFileFailed, info: info, err: e.Err}, {kind: effectProgress}}
	}
	return nil
}
