package syncqueue

import (
	"context"
	"sort"
	"time"

	"github.com/wolfman30/barber-sync/internal/localstore"
)

// ActionRepository is the typed view over the actions table.
type ActionRepository struct {
	*localstore.Collection[Action]
}

// NewActionRepository binds the actions table.
func NewActionRepository(store localstore.Store) *ActionRepository {
	return &ActionRepository{
		Collection: localstore.NewCollection(store, localstore.TableActions, func(a Action) string { return a.ID }),
	}
}

// Ordered returns every action sorted by Seq.
func (r *ActionRepository) Ordered(ctx context.Context) ([]Action, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	sortBySeq(all)
	return all, nil
}

// ByStatus returns actions in status, sorted by Seq.
func (r *ActionRepository) ByStatus(ctx context.Context, status Status) ([]Action, error) {
	list, err := r.Where(ctx, func(a Action) bool { return a.Status == status })
	if err != nil {
		return nil, err
	}
	sortBySeq(list)
	return list, nil
}

// Since returns actions enqueued at or after t, sorted by Seq.
func (r *ActionRepository) Since(ctx context.Context, t time.Time) ([]Action, error) {
	list, err := r.Where(ctx, func(a Action) bool { return !a.EnqueuedAt.Before(t) })
	if err != nil {
		return nil, err
	}
	sortBySeq(list)
	return list, nil
}

// Targeting returns unsynced actions whose mutation targets appointmentID.
func (r *ActionRepository) Targeting(ctx context.Context, appointmentID string) ([]Action, error) {
	list, err := r.Where(ctx, func(a Action) bool {
		return a.Status != StatusSynced && a.AppointmentID() == appointmentID
	})
	if err != nil {
		return nil, err
	}
	sortBySeq(list)
	return list, nil
}

func sortBySeq(list []Action) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
}
