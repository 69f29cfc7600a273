// Package geofence computes entered/exited transitions between two fixes.
package geofence

import (
	"context"
	"errors"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"fleetsync/internal/model"
	"fleetsync/internal/store"
)

// LocationFinder resolves a remote geofence id to the local Location that
// stores it. Misses are reported as store.ErrNotFound.
type LocationFinder interface {
	FindLocationByGeofence(ctx context.Context, geofenceID int64) (model.Location, error)
}

type Diff struct {
	Entered []string
	Exited  []string
}

type Differencer struct {
	Locations LocationFinder
	Log       *log.Entry
}

func NewDifferencer(l LocationFinder) *Differencer {
	return &Differencer{Locations: l, Log: log.WithField("component", "geofence")}
}

// Diff resolves current-prior to entered names and prior-current to exited
// names. Equal sets return immediately without any lookups.
func (d *Differencer) Diff(ctx context.Context, prior, current []int64) (Diff, error) {
	out := Diff{Entered: []string{}, Exited: []string{}}
	p, c := toSet(prior), toSet(current)
	if sameSet(p, c) {
		return out, nil
	}
	var err error
	if out.Entered, err = d.resolve(ctx, ordered(current), p); err != nil {
		return out, err
	}
	if out.Exited, err = d.resolve(ctx, ordered(prior), c); err != nil {
		return out, err
	}
	return out, nil
}

func (d *Differencer) resolve(ctx context.Context, ids []int64, exclude map[int64]struct{}) ([]string, error) {
	names := []string{}
	for _, id := range ids {
		if _, skip := exclude[id]; skip {
			continue
		}
		loc, err := d.Locations.FindLocationByGeofence(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			d.Log.WithField("geofence", id).Warn("no location for geofence; skipping")
			continue
		}
		if err != nil {
			return nil, err
		}
		names = append(names, loc.ID)
	}
	return names, nil
}

func toSet(ids []int64) map[int64]struct{} {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func sameSet(a, b map[int64]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// ordered drops repeats, keeping first occurrence.
func ordered(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// JoinIDs renders ids the way Log Records store them: "7,9".
func JoinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

// ParseIDs reads a stored id list back. Unparseable entries are ignored.
func ParseIDs(s string) []int64 {
	out := []int64{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if id, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}
