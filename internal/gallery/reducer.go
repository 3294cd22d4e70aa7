package gallery

import (
	"slices"

	"gallery/internal/domain"
)

// ApplyUpdate merges one processing update into list and reports whether
// anything changed. It is the only merge path for both bus deliveries and
// poll results, and is idempotent: replaying an update, or applying one
// older than the held record, leaves the list untouched. A deleted update
// removes the entry. Updates for ids not in the list are ignored.
//
// The input slice is never modified; a changed list is a fresh copy.
func ApplyUpdate(list []domain.Image, u domain.ProcessingUpdate) ([]domain.Image, bool) {
	i := slices.IndexFunc(list, func(img domain.Image) bool { return img.ID == u.ImageID })
	if i < 0 {
		return list, false
	}
	if u.Status == domain.StatusDeleted {
		out := make([]domain.Image, 0, len(list)-1)
		out = append(out, list[:i]...)
		return append(out, list[i+1:]...), true
	}

	cur := list[i]
	if !u.UpdatedAt.IsZero() && u.UpdatedAt.Before(cur.UpdatedAt) {
		return list, false
	}
	next := cur.Clone()
	next.Status = u.Status
	next.ErrorMessage = u.Error
	if !u.UpdatedAt.IsZero() {
		next.UpdatedAt = u.UpdatedAt
	}
	if u.Status == domain.StatusCompleted {
		next.Tags = append([]string(nil), u.Tags...)
		next.Description = u.Description
		next.DominantColors = append([]string(nil), u.DominantColors...)
	}
	if sameImage(cur, next) {
		return list, false
	}
	out := slices.Clone(list)
	out[i] = next
	return out, true
}

func sameImage(a, b domain.Image) bool {
	return a.Status == b.Status &&
		a.ErrorMessage == b.ErrorMessage &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.Description == b.Description &&
		slices.Equal(a.Tags, b.Tags) &&
		slices.Equal(a.DominantColors, b.DominantColors)
}

func deletedUpdate(id string) domain.ProcessingUpdate {
	return domain.ProcessingUpdate{ImageID: id, Status: domain.StatusDeleted, Progress: domain.Progress(domain.StatusDeleted)}
}
