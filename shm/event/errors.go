package event

import "errors"

var (
	// ErrFireDepth indicates Fire calls nested deeper than MaxFireDepth.
	ErrFireDepth = errors.New("event: fire nested too deep")

	// ErrRefOverflow indicates a subscription re-entered more than MaxRefs
	// times during one delivery chain.
	ErrRefOverflow = errors.New("event: subscription reference overflow")

	// ErrNoHandler indicates the owner's type hooks do not implement Handler.
	ErrNoHandler = errors.New("event: owner type has no OnExecute handler")

	// ErrOwner indicates the owner reference is not a live object.
	ErrOwner = errors.New("event: owner not alive")

	// ErrNotSubscribed indicates the owner has no matching subscription.
	ErrNotSubscribed = errors.New("event: not subscribed")

	// ErrKeySpace indicates every probe position for a key is taken by
	// other keys.
	ErrKeySpace = errors.New("event: key hash probe exhausted")
)
