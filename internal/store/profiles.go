package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TravelerProfile is the read-only slice of a travel profile used to give
// the agent context at conversation start.
type TravelerProfile struct {
	DisplayName string
	HomeCity    string
	TravelStyle string
	Interests   []string
}

// Variables returns the non-empty profile fields keyed by agent variable name.
func (p TravelerProfile) Variables() map[string]any {
	vars := map[string]any{}
	if p.DisplayName != "" {
		vars["traveler_name"] = p.DisplayName
	}
	if p.HomeCity != "" {
		vars["home_city"] = p.HomeCity
	}
	if p.TravelStyle != "" {
		vars["travel_style"] = p.TravelStyle
	}
	if len(p.Interests) > 0 {
		vars["interests"] = p.Interests
	}
	return vars
}

// ProfileVariables looks up the owner's travel profile. A missing profile
// yields an empty map, not an error.
func (s *Store) ProfileVariables(ctx context.Context, ownerID string) (map[string]any, error) {
	p, err := s.TravelerProfile(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return p.Variables(), nil
}

func (s *Store) TravelerProfile(ctx context.Context, ownerID string) (TravelerProfile, error) {
	var p TravelerProfile
	var name, city, style *string
	err := s.pool.QueryRow(ctx, `
		SELECT display_name, home_city, travel_style, COALESCE(interests, '{}')
		FROM travel_profiles WHERE user_id = $1`, ownerID,
	).Scan(&name, &city, &style, &p.Interests)
	if errors.Is(err, pgx.ErrNoRows) {
		return TravelerProfile{}, nil
	}
	if err != nil {
		return TravelerProfile{}, fmt.Errorf("get travel profile: %w", err)
	}
	if name != nil {
		p.DisplayName = *name
	}
	if city != nil {
		p.HomeCity = *city
	}
	if style != nil {
		p.TravelStyle = *style
	}
	return p, nil
}
