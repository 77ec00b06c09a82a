// Package event implements the region-resident publish/subscribe bus.
//
// A subscription binds an owner object to a Key. Every subscription record
// sits on two lists: the owner's (anchored at obj.Links, used by
// UnsubscribeAll and the cascade on owner destruction) and the key's
// (anchored at a hash-keyed list object, used by Fire). Both lists insert at
// the head, so delivery within one key runs most recent subscriber first.
//
// Fire delivers to the exact key first and then, when the source id is not
// zero, to the wildcard key with source id zero. Each delivery holds a
// reference on the record; a record unsubscribed while referenced is only
// marked and is unlinked once the last reference drops, which lets handlers
// unsubscribe themselves or others from inside OnExecute.
//
// Nested Fire calls are capped at MaxFireDepth and a record can be
// referenced at most MaxRefs times; exceeding either aborts that Fire.
package event
