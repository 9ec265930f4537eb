// Package feed delivers row-level change events for watched collections.
//
// Every Subscribe call opens its own uniquely named channel, so independent
// listeners on the same collection never share state. Delivery is at-most-once:
// a subscriber whose queue is full loses the event. Ordering is best-effort
// within one channel and not defined across collections.
package feed

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventType is the kind of write a Change describes.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"

	// EventResync tells subscribers that events may have been missed (for
	// example after a relay reconnect). It is delivered to every channel
	// regardless of collection or event filter.
	EventResync EventType = "RESYNC"
)

// AllEvents is the default filter of a subscription.
var AllEvents = []EventType{EventInsert, EventUpdate, EventDelete}

// Change describes one committed write. New is empty for deletes, Old is empty
// for inserts.
type Change struct {
	Collection string              `json:"collection"`
	Type       EventType           `json:"type"`
	New        jsoniter.RawMessage `json:"new,omitempty"`
	Old        jsoniter.RawMessage `json:"old,omitempty"`
	CommitTime time.Time           `json:"commit_time"`
	Origin     string              `json:"origin,omitempty"`
}

// NewChange encodes the given records into a Change. Either record may be nil.
func NewChange(collection string, typ EventType, newRecord, oldRecord any) (Change, error) {
	c := Change{
		Collection: collection,
		Type:       typ,
		CommitTime: time.Now().UTC(),
	}
	if newRecord != nil {
		raw, err := json.Marshal(newRecord)
		if err != nil {
			return Change{}, err
		}
		c.New = raw
	}
	if oldRecord != nil {
		raw, err := json.Marshal(oldRecord)
		if err != nil {
			return Change{}, err
		}
		c.Old = raw
	}
	return c, nil
}

// DecodeNew unmarshals the new record into v. It reports false when the change
// carries no new record.
func (c Change) DecodeNew(v any) (bool, error) {
	if len(c.New) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(c.New, v)
}

// DecodeOld unmarshals the old record into v.
func (c Change) DecodeOld(v any) (bool, error) {
	if len(c.Old) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(c.Old, v)
}
