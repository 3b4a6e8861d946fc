package session

import "scribe/result"

// Observer receives session events. Calls may come from the audio thread
// (OnLevel) or the channel reader, so implementations must not block.
// OnState(Recording) is delivered with the controller locked and must not
// call back into it.
type Observer interface {
	OnState(State)
	OnPartial(text string, final bool)
	OnProgress(bytesReceived int64)
	OnStatus(msg string)
	OnLevel(level float64)
	OnError(err error)
	OnResult(out result.Outcome)
	// OnStopped reports that the backend ended the visit without a result.
	OnStopped()
}

// NopObserver can be embedded to implement only some callbacks.
type NopObserver struct{}

func (NopObserver) OnState(State)           {}
func (NopObserver) OnPartial(string, bool)  {}
func (NopObserver) OnProgress(int64)        {}
func (NopObserver) OnStatus(string)         {}
func (NopObserver) OnLevel(float64)         {}
func (NopObserver) OnError(error)           {}
func (NopObserver) OnResult(result.Outcome) {}
func (NopObserver) OnStopped()              {}
