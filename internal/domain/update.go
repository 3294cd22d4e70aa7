package domain

import "time"

// ProcessingUpdate is the notification fanned out to subscribers when an image changes.
type ProcessingUpdate struct {
	ImageID        string
	OwnerID        string
	Status         ImageStatus
	Progress       int
	Tags           []string
	Description    string
	DominantColors []string
	Error          string
	UpdatedAt      time.Time
}

// ChangeKind enumerates change-feed mutation kinds.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// ChangeEvent is one mutation emitted by the record store's change feed.
// For deletes Record carries the last known state.
type ChangeEvent struct {
	Kind   ChangeKind
	Record Image
}

// ChangePublisher receives change events from a record store.
type ChangePublisher interface {
	Publish(ev ChangeEvent)
}

// UpdateFromEvent builds the fan-out payload for a change event.
func UpdateFromEvent(ev ChangeEvent) ProcessingUpdate {
	rec := ev.Record
	status := rec.Status
	if ev.Kind == ChangeDelete {
		status = StatusDeleted
	}
	u := ProcessingUpdate{
		ImageID:   rec.ID,
		OwnerID:   rec.OwnerID,
		Status:    status,
		Progress:  Progress(status),
		Error:     rec.ErrorMessage,
		UpdatedAt: rec.UpdatedAt,
	}
	if status == StatusCompleted {
		u.Tags = append([]string(nil), rec.Tags...)
		u.Description = rec.Description
		u.DominantColors = append([]string(nil), rec.DominantColors...)
	}
	return u
}

// UpdateFromImage builds an update from a freshly fetched record, as the poll fallback does.
func UpdateFromImage(img Image) ProcessingUpdate {
	return UpdateFromEvent(ChangeEvent{Kind: ChangeUpdate, Record: img})
}
