package session

import "github.com/kalambet/leadchat/internal/lead"

// Listener receives the UI-facing emissions of a controller. Calls for one
// controller never overlap with each other for the same run, and arrive in
// the order the controller produced them.
type Listener interface {
	OnProgress(lead.ProgressSnapshot)
	OnChallenge(lead.ChallengeContext)
	OnResult([]lead.Record)
	OnError(message string)
	OnCancel()
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Progress  func(lead.ProgressSnapshot)
	Challenge func(lead.ChallengeContext)
	Result    func([]lead.Record)
	Error     func(string)
	Cancel    func()
}

func (f ListenerFuncs) OnProgress(s lead.ProgressSnapshot) {
	if f.Progress != nil {
		f.Progress(s)
	}
}

func (f ListenerFuncs) OnChallenge(c lead.ChallengeContext) {
	if f.Challenge != nil {
		f.Challenge(c)
	}
}

func (f ListenerFuncs) OnResult(r []lead.Record) {
	if f.Result != nil {
		f.Result(r)
	}
}

func (f ListenerFuncs) OnError(msg string) {
	if f.Error != nil {
		f.Error(msg)
	}
}

func (f ListenerFuncs) OnCancel() {
	if f.Cancel != nil {
		f.Cancel()
	}
}

// Multi fans every emission out to each listener in order.
type Multi []Listener

func (m Multi) OnProgress(s lead.ProgressSnapshot) {
	for _, l := range m {
		l.OnProgress(s)
	}
}

func (m Multi) OnChallenge(c lead.ChallengeContext) {
	for _, l := range m {
		l.OnChallenge(c)
	}
}

func (m Multi) OnResult(r []lead.Record) {
	for _, l := range m {
		l.OnResult(r)
	}
}

func (m Multi) OnError(msg string) {
	for _, l := range m {
		l.OnError(msg)
	}
}

func (m Multi) OnCancel() {
	for _, l := range m {
		l.OnCancel()
	}
}
