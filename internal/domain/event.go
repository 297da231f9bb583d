package domain

import "time"

// EventKind is the closed set of progress event types.
type EventKind string

const (
	EventItemStarted   EventKind = "item-started"
	EventItemOutput    EventKind = "item-output"
	EventItemCompleted EventKind = "item-completed"
	EventItemFailed    EventKind = "item-failed"
	EventItemSkipped   EventKind = "item-skipped"
	EventItemCanceled  EventKind = "item-canceled"
	EventRunCompleted  EventKind = "run-completed"

	EventDownloadProgress  EventKind = "download-progress"
	EventDownloadCompleted EventKind = "download-completed"

	EventSnapshotOutput    EventKind = "snapshot-output"
	EventSnapshotCompleted EventKind = "snapshot-completed"
)

// Event is a typed progress notification delivered over a channel.
// Only the fields relevant to Kind are set.
type Event struct {
	RunID       string
	Kind        EventKind
	Index       int    // queue position for item events
	DisplayName string // item display name
	Line        string // one line of child output
	Percent     int    // 0-100 for download progress
	Err         error
	Time        time.Time
}

// IsTerminal reports whether the event ends an item.
func (e Event) IsTerminal() bool {
	switch e.Kind {
	case EventItemCompleted, EventItemFailed, EventItemSkipped, EventItemCanceled:
		return true
	}
	return false
}

// DefaultSendWait bounds how long producers block on a slow event consumer.
const DefaultSendWait = 5 * time.Second

// Send delivers ev on ch, waiting at most wait for the consumer. A nil
// channel discards the event. Reports whether the event was delivered.
func Send(ch chan<- Event, ev Event, wait time.Duration) bool {
	if ch == nil {
		return false
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}
