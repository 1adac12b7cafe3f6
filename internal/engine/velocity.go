package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/state"
)

// Built-in velocity rule IDs. Rules with these IDs in the rule file are
// backed by stateful checks instead of plain condition matching.
const (
	RuleImpossibleTravel  = "impossible_travel"
	RuleRapidTransactions = "rapid_transactions"
	RuleMultiDevice       = "multi_device"
)

const earthRadiusMiles = 3959.0

// haversineMiles returns the great-circle distance between two points
func haversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMiles * c
}

// checkImpossibleTravel compares the event's location against the user's
// last seen location. It triggers only when the jump is both far and faster
// than a plane: distance above the threshold AND implied speed above the
// ceiling. The stored location is updated regardless of the outcome.
func (e *Engine) checkImpossibleTravel(ctx context.Context, event *models.Event) (bool, error) {
	if event.Geo.Lat == nil || event.Geo.Lon == nil {
		return false, nil
	}
	userID := event.Actor.UserID

	last, err := e.store.GetLastLocation(ctx, userID)
	if err != nil && err != state.ErrNotFound {
		return false, fmt.Errorf("failed to read last location: %w", err)
	}

	triggered := false
	if last != nil {
		distance := haversineMiles(last.Lat, last.Lon, *event.Geo.Lat, *event.Geo.Lon)
		if distance > e.cfg.ImpossibleTravelMiles {
			elapsed := event.OccurredAt.Sub(last.SeenAt)
			if elapsed < time.Second {
				elapsed = time.Second
			}
			speed := distance / elapsed.Hours()
			triggered = speed > e.cfg.ImpossibleTravelMPH
		}
	}

	loc := state.LastLocation{Lat: *event.Geo.Lat, Lon: *event.Geo.Lon, SeenAt: event.OccurredAt}
	if err := e.store.SetLastLocation(ctx, userID, loc, e.cfg.LocationTTL); err != nil {
		return false, fmt.Errorf("failed to update last location: %w", err)
	}

	return triggered, nil
}

// checkRapidTransactions increments the user's hourly transaction counter
// and triggers once the count exceeds the threshold.
func (e *Engine) checkRapidTransactions(ctx context.Context, event *models.Event) (bool, error) {
	key := fmt.Sprintf("velocity:%s:tx:hourly", event.Actor.UserID)
	count, err := e.store.IncrementCounter(ctx, key, e.cfg.CounterTTL)
	if err != nil {
		return false, fmt.Errorf("failed to increment transaction counter: %w", err)
	}
	return count > e.cfg.RapidTxHourlyThreshold, nil
}

// checkMultiDevice tracks unknown device fingerprints in a short window.
// A known device never triggers; an unknown one joins the window and
// triggers when the window holds more distinct devices than the threshold.
// The device is remembered afterwards either way.
func (e *Engine) checkMultiDevice(ctx context.Context, event *models.Event) (bool, error) {
	fingerprint := event.Actor.DeviceFingerprint
	if fingerprint == "" {
		return false, nil
	}
	userID := event.Actor.UserID

	known, err := e.store.IsKnownDevice(ctx, userID, fingerprint)
	if err != nil {
		return false, fmt.Errorf("failed to check device: %w", err)
	}
	if known {
		return false, nil
	}

	cardinality, err := e.store.TrackNewDevice(ctx, userID, fingerprint, e.cfg.MultiDeviceWindow)
	if err != nil {
		return false, fmt.Errorf("failed to track device: %w", err)
	}

	if err := e.store.RememberDevice(ctx, userID, fingerprint, e.cfg.DeviceTTL); err != nil {
		return false, fmt.Errorf("failed to remember device: %w", err)
	}

	return cardinality > e.cfg.MultiDeviceThreshold, nil
}
