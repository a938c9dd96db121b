package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"ridechain/internal/domain/entities"
)

var ErrRideNotFound = errors.New("ride not found")

// RideRepository stores rides in memory. It stores and hands out clones, so
// the only way to change a cached ride is to Put a new version of it.
//
// Go Learning Note — Copy on Write:
// Returning pointers into a shared map would let any caller mutate the cache
// without holding the lock. Cloning on the way in and on the way out keeps
// the map private; readers get a snapshot they are free to modify.
type RideRepository struct {
	mu    sync.RWMutex
	rides map[uint64]*entities.Ride
}

func NewRideRepository() *RideRepository {
	return &RideRepository{
		rides: make(map[uint64]*entities.Ride),
	}
}

// Put inserts or replaces the cached copy of a ride.
func (r *RideRepository) Put(ctx context.Context, ride *entities.Ride) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rides[ride.ID] = ride.Clone()
	return nil
}

func (r *RideRepository) GetByID(ctx context.Context, id uint64) (*entities.Ride, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ride, exists := r.rides[id]
	if !exists {
		return nil, ErrRideNotFound
	}
	return ride.Clone(), nil
}

// GetByRider returns all rides requested by rider.
// This is an O(n) scan; a session only ever caches its own rides.
func (r *RideRepository) GetByRider(ctx context.Context, rider string) ([]*entities.Ride, error) {
	return r.filter(func(ride *entities.Ride) bool {
		return strings.EqualFold(ride.RiderAddress, rider)
	}), nil
}

// GetByDriver returns all rides bound to driver.
func (r *RideRepository) GetByDriver(ctx context.Context, driver string) ([]*entities.Ride, error) {
	return r.filter(func(ride *entities.Ride) bool {
		return ride.DriverAddress != "" && strings.EqualFold(ride.DriverAddress, driver)
	}), nil
}

func (r *RideRepository) filter(keep func(*entities.Ride) bool) []*entities.Ride {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rides := []*entities.Ride{}
	for _, ride := range r.rides {
		if keep(ride) {
			rides = append(rides, ride.Clone())
		}
	}
	sort.Slice(rides, func(i, j int) bool { return rides[i].ID < rides[j].ID })
	return rides
}
