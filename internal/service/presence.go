package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visiblelabs/visible/internal/bus"
	"github.com/visiblelabs/visible/internal/geo"
)

// Presence owns provider availability and seeker discovery preferences: the
// durable rows, the in-memory geo index, and the edge events fanned out to
// watching seekers when set membership changes.
type Presence struct {
	users      UserStorer
	statuses   ProviderStatusStorer
	searches   SeekerSearchStorer
	categories CategoryStorer
	index      *GeoIndex
	bus        *bus.Bus

	// locks serializes mutations per user so concurrent toggles cannot
	// interleave between the row write and the index write.
	locks sync.Map // map[string]*sync.Mutex
}

func NewPresence(users UserStorer, statuses ProviderStatusStorer, searches SeekerSearchStorer, categories CategoryStorer, index *GeoIndex, b *bus.Bus) *Presence {
	return &Presence{
		users:      users,
		statuses:   statuses,
		searches:   searches,
		categories: categories,
		index:      index,
		bus:        b,
	}
}

func (p *Presence) lockFor(userID string) *sync.Mutex {
	mu, _ := p.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// LoadIndex rebuilds the in-memory index from the durable active set. Called
// once at startup.
func (p *Presence) LoadIndex(ctx context.Context) error {
	active, err := p.statuses.ListActiveProviders(ctx)
	if err != nil {
		return fmt.Errorf("list active providers: %w", err)
	}

	for _, st := range active {
		if st.Latitude == nil || st.Longitude == nil {
			continue
		}
		p.index.Upsert(st.UserID, *st.Latitude, *st.Longitude, st.MainCategory, st.SubCategory)
	}

	slog.Info("geo index loaded", "active_providers", len(active))

	return nil
}

// SetProviderActive upserts a provider's availability. Returns the prior
// active state so callers can distinguish online edges from refreshes.
func (p *Presence) SetProviderActive(ctx context.Context, userID string, lat, lng float64, main, sub string, active bool) (bool, error) {
	user, err := p.users.GetUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return false, NotFoundf("user %s not found", userID)
	}
	if user.Role != RoleProvider {
		return false, ErrNotProvider
	}

	if active {
		if !geo.ValidCoords(lat, lng) {
			return false, ErrInvalidCoords
		}
		ok, err := p.categories.CategoryExists(ctx, main, sub)
		if err != nil {
			return false, fmt.Errorf("resolve category: %w", err)
		}
		if !ok {
			return false, ErrUnknownCategory
		}
	}

	mu := p.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	prior, err := p.statuses.GetProviderStatus(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load provider status: %w", err)
	}

	priorActive := prior != nil && prior.Active

	status := ProviderStatus{
		UserID:       userID,
		Active:       active,
		MainCategory: main,
		SubCategory:  sub,
		LastActiveAt: time.Now().UTC(),
	}
	if active {
		status.Latitude = &lat
		status.Longitude = &lng
	} else if prior != nil {
		// Going offline keeps the last known position and categories.
		status.Latitude = prior.Latitude
		status.Longitude = prior.Longitude
		if main == "" {
			status.MainCategory = prior.MainCategory
			status.SubCategory = prior.SubCategory
		}
	}

	if err := p.statuses.UpsertProviderStatus(ctx, status); err != nil {
		return priorActive, fmt.Errorf("upsert provider status: %w", err)
	}

	switch {
	case active && !priorActive:
		p.index.Upsert(userID, lat, lng, main, sub)
		p.notifyOnlineEdge(ctx, userID, lat, lng, main, sub)

	case active && priorActive:
		categoryChanged := prior.MainCategory != main || prior.SubCategory != sub
		p.index.Upsert(userID, lat, lng, main, sub)
		if categoryChanged {
			// Logically deleted from the old shard, inserted into the new.
			p.notifyOfflineEdge(ctx, userID, prior)
			p.notifyOnlineEdge(ctx, userID, lat, lng, main, sub)
		} else if prior.Latitude != nil && prior.Longitude != nil {
			p.notifyMovedEdges(ctx, userID, *prior.Latitude, *prior.Longitude, lat, lng, main, sub)
		}

	case !active && priorActive:
		p.index.Remove(userID)
		p.notifyOfflineEdge(ctx, userID, prior)
	}

	return priorActive, nil
}

// SetSeekerSearch upserts a seeker's discovery preference and, when the
// seeker is searching, returns the ordered snapshot of matching providers.
func (p *Presence) SetSeekerSearch(ctx context.Context, userID string, lat, lng float64, main, sub string, radiusKm int, searching bool) ([]NearbyProvider, error) {
	user, err := p.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return nil, NotFoundf("user %s not found", userID)
	}
	if user.Role != RoleSeeker {
		return nil, ErrNotSeeker
	}

	if searching {
		if !geo.ValidCoords(lat, lng) {
			return nil, ErrInvalidCoords
		}
		if radiusKm < 1 || radiusKm > 50 {
			return nil, ErrInvalidRadius
		}
		ok, err := p.categories.CategoryExists(ctx, main, sub)
		if err != nil {
			return nil, fmt.Errorf("resolve category: %w", err)
		}
		if !ok {
			return nil, ErrUnknownCategory
		}
	}

	mu := p.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	search := SeekerSearch{
		UserID:       userID,
		Searching:    searching,
		MainCategory: main,
		SubCategory:  sub,
		RadiusKm:     radiusKm,
		LastSearchAt: time.Now().UTC(),
	}
	if searching {
		search.Latitude = &lat
		search.Longitude = &lng
	}

	if err := p.searches.UpsertSeekerSearch(ctx, search); err != nil {
		return nil, fmt.Errorf("upsert seeker search: %w", err)
	}

	if !searching {
		return nil, nil
	}

	return p.index.Nearby(lat, lng, float64(radiusKm), main, sub), nil
}

// NearbyProviders answers a radius query against the live index. The result
// is a snapshot with no consistency guarantee across concurrent toggles.
func (p *Presence) NearbyProviders(lat, lng, radiusKm float64, main, sub string) []NearbyProvider {
	return p.index.Nearby(lat, lng, radiusKm, main, sub)
}

// SeekersSearchingForProvider returns the seekers whose current search
// matches the provider's main category (and subcategory, when the seeker
// pinned one) with searching enabled.
func (p *Presence) SeekersSearchingForProvider(ctx context.Context, providerID, main string) ([]SeekerSearch, error) {
	status, err := p.statuses.GetProviderStatus(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("load provider status: %w", err)
	}
	if status == nil {
		return nil, NotFoundf("provider %s has no presence", providerID)
	}

	all, err := p.searches.ListSearchingSeekers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list searching seekers: %w", err)
	}

	matched := make([]SeekerSearch, 0, len(all))
	for _, s := range all {
		if s.MainCategory != main {
			continue
		}
		if s.SubCategory != "" && s.SubCategory != status.SubCategory {
			continue
		}
		matched = append(matched, s)
	}

	return matched, nil
}

// ─── Edge fan-out ───

// eachWatchingSeeker walks the seekers searching for (main, sub) and hands
// each one to fn together with its configured radius and position.
func (p *Presence) eachWatchingSeeker(ctx context.Context, main, sub string, fn func(s SeekerSearch)) {
	all, err := p.searches.ListSearchingSeekers(ctx)
	if err != nil {
		slog.Error("list searching seekers for fan-out", "error", err)
		return
	}

	for _, s := range all {
		if s.Latitude == nil || s.Longitude == nil {
			continue
		}
		if s.MainCategory != main {
			continue
		}
		if s.SubCategory != "" && s.SubCategory != sub {
			continue
		}
		fn(s)
	}
}

func (p *Presence) notifyOnlineEdge(ctx context.Context, providerID string, lat, lng float64, main, sub string) {
	p.eachWatchingSeeker(ctx, main, sub, func(s SeekerSearch) {
		d := geo.DistanceKm(*s.Latitude, *s.Longitude, lat, lng)
		if d > float64(s.RadiusKm) {
			return
		}
		p.bus.Publish(bus.UserGroup(s.UserID, string(RoleSeeker)), bus.Frame{
			Type: "new_provider_available",
			Data: map[string]any{
				"provider": NearbyProvider{
					UserID:     providerID,
					Latitude:   lat,
					Longitude:  lng,
					DistanceKm: geo.RoundKm(d),
				},
				"main_category_code": main,
				"sub_category_code":  sub,
			},
		})
	})
}

func (p *Presence) notifyOfflineEdge(ctx context.Context, providerID string, prior *ProviderStatus) {
	if prior == nil || prior.Latitude == nil || prior.Longitude == nil {
		return
	}

	p.eachWatchingSeeker(ctx, prior.MainCategory, prior.SubCategory, func(s SeekerSearch) {
		d := geo.DistanceKm(*s.Latitude, *s.Longitude, *prior.Latitude, *prior.Longitude)
		if d > float64(s.RadiusKm) {
			return
		}
		p.bus.Publish(bus.UserGroup(s.UserID, string(RoleSeeker)), bus.Frame{
			Type: "provider_went_offline",
			Data: map[string]any{
				"provider_id":        providerID,
				"main_category_code": prior.MainCategory,
			},
		})
	})
}

// notifyMovedEdges emits events only for seekers whose radius boundary the
// provider crossed: entering looks like a fresh provider, leaving like an
// offline one.
func (p *Presence) notifyMovedEdges(ctx context.Context, providerID string, oldLat, oldLng, newLat, newLng float64, main, sub string) {
	p.eachWatchingSeeker(ctx, main, sub, func(s SeekerSearch) {
		radius := float64(s.RadiusKm)
		oldD := geo.DistanceKm(*s.Latitude, *s.Longitude, oldLat, oldLng)
		newD := geo.DistanceKm(*s.Latitude, *s.Longitude, newLat, newLng)

		switch {
		case oldD > radius && newD <= radius:
			p.bus.Publish(bus.UserGroup(s.UserID, string(RoleSeeker)), bus.Frame{
				Type: "new_provider_available",
				Data: map[string]any{
					"provider": NearbyProvider{
						UserID:     providerID,
						Latitude:   newLat,
						Longitude:  newLng,
						DistanceKm: geo.RoundKm(newD),
					},
					"main_category_code": main,
					"sub_category_code":  sub,
				},
			})
		case oldD <= radius && newD > radius:
			p.bus.Publish(bus.UserGroup(s.UserID, string(RoleSeeker)), bus.Frame{
				Type: "provider_went_offline",
				Data: map[string]any{
					"provider_id":        providerID,
					"main_category_code": main,
				},
			})
		}
	})
}
