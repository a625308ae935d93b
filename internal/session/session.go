// Package session buckets device activity into one record per site per
// calendar day, dated in the site's local timezone.
package session

import (
	"context"
	"log/slog"
	"time"
	_ "time/tzdata" // embed zoneinfo so containers without /usr/share/zoneinfo still resolve site timezones

	"github.com/google/uuid"

	"github.com/canopysense/gateway/internal/model"
	"github.com/canopysense/gateway/internal/store"
)

// Location resolves an IANA timezone name, falling back to UTC on anything
// unknown so a misconfigured site never stalls ingestion.
func Location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("unknown site timezone, using UTC", "timezone", tz)
		return time.UTC
	}
	return loc
}

// DateIn is the calendar date of t in loc, formatted as the session key.
func DateIn(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}

type Manager struct {
	repo *store.Repo
}

func New(repo *store.Repo) *Manager {
	return &Manager{repo: repo}
}

// GetOrCreate returns the site's session for the day containing at,
// creating it atomically on first use. Concurrent first wakes of the day
// converge on one row.
func (m *Manager) GetOrCreate(ctx context.Context, siteID uuid.UUID, at time.Time, loc *time.Location, expectedWakes int) (*model.SiteSession, error) {
	return m.repo.OpenSession(ctx, siteID, DateIn(at, loc), expectedWakes)
}
