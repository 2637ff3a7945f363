package session

import "collabsync/internal/model"

// Observer receives reconciled state changes. Every method is called on the
// session goroutine, one at a time. Implementations must not block and must
// not call Close; the read accessors are safe to use.
type Observer interface {
	OnParticipantJoin(p model.Participant)
	OnParticipantLeave(id string)
	OnCursorMove(p model.Participant)
	OnSelectionChange(p model.Participant)
	OnViewChange(p model.Participant)
	OnCommentAdded(c model.Comment)
	OnCommentUpdated(c model.Comment)
	OnCommentResolved(c model.Comment)
	OnReaction(commentID, emoji, actorID string, add bool)
	OnReplyAdded(commentID string, r model.Reply)
	OnConnectionStateChange(state model.ConnectionState)
	OnError(err error)
}

// NopObserver ignores every notification. Embed it to implement only the
// callbacks you need.
type NopObserver struct{}

func (NopObserver) OnParticipantJoin(model.Participant) {}
func (NopObserver) OnParticipantLeave(string) {}
func (NopObserver) OnCursorMove(model.Participant) {}
func (NopObserver) OnSelectionChange(model.Participant) {}
func (NopObserver) OnViewChange(model.Participant) {}
func (NopObserver) OnCommentAdded(model.Comment) {}
func (NopObserver) OnCommentUpdated(model.Comment) {}
func (NopObserver) OnCommentResolved(model.Comment) {}
func (NopObserver) OnReaction(string, string, string, bool) {}
func (NopObserver) OnReplyAdded(string, model.Reply) {}
func (NopObserver) OnConnectionStateChange(model.ConnectionState) {}
func (NopObserver) OnError(error) {}
