package sports

import (
	"context"
	"time"

	"predix-agent-backend/internal/dialogue"
)

// SearchKind selects what a Query matches against.
type SearchKind string

const (
	KindLeague  SearchKind = "league"
	KindTeam    SearchKind = "team"
	KindFixture SearchKind = "fixture"
)

func (k SearchKind) Valid() bool {
	return k == KindLeague || k == KindTeam || k == KindFixture
}

// Query describes a fixture search. Zero fields are ignored.
type Query struct {
	Kind      SearchKind
	Text      string
	Country   string
	Date      string // YYYY-MM-DD
	FixtureID int64
	TeamID    int64
	LeagueID  int64
	// Upcoming selects future fixtures when nil or true, past ones when false.
	Upcoming *bool
}

func (q Query) upcoming() bool {
	return q.Upcoming == nil || *q.Upcoming
}

type Team struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type League struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country,omitempty"`
	Round   string `json:"round,omitempty"`
}

type Venue struct {
	Name string `json:"name,omitempty"`
	City string `json:"city,omitempty"`
}

type Score struct {
	Home *int `json:"home"`
	Away *int `json:"away"`
}

// Fixture is a normalized football match.
type Fixture struct {
	ID      int64     `json:"id"`
	Kickoff time.Time `json:"date"`
	Status  string    `json:"status,omitempty"`
	Home    Team      `json:"home_team"`
	Away    Team      `json:"away_team"`
	League  League    `json:"league"`
	Venue   Venue     `json:"venue"`
	Score   Score     `json:"score"`
}

// Provider finds fixtures. It returns an empty slice when nothing matches and
// an error only when the upstream could not be queried.
type Provider interface {
	Search(ctx context.Context, q Query) ([]Fixture, error)
}

// FindFixture looks a single fixture up by id. It returns nil when the
// provider knows no such fixture.
func FindFixture(ctx context.Context, p Provider, id int64) (*Fixture, error) {
	found, err := p.Search(ctx, Query{Kind: KindFixture, FixtureID: id})
	if err != nil {
		return nil, err
	}
	for i := range found {
		if found[i].ID == id {
			return &found[i], nil
		}
	}
	return nil, nil
}

// Unavailable is the provider used when no sports data source is configured.
// Every search fails with dialogue.ErrUpstreamUnavailable.
type Unavailable struct{}

func (Unavailable) Search(context.Context, Query) ([]Fixture, error) {
	return nil, dialogue.ErrUpstreamUnavailable
}

const (
	maxTeams    = 5
	maxFixtures = 10
)
