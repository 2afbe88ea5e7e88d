package tools

import (
	"fmt"
	"time"

	"predix-agent-backend/internal/dialogue"
	"predix-agent-backend/internal/sports"
)

type Market struct {
	CreatorID   string     `json:"creator_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Category    string     `json:"category"`
	Amount      float64    `json:"amount"`
	Currency    string     `json:"currency"`
	CloseDate   *time.Time `json:"close_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Event struct {
	Type      string        `json:"type"`
	FixtureID int64         `json:"fixture_id"`
	HomeTeam  sports.Team   `json:"home_team"`
	AwayTeam  sports.Team   `json:"away_team"`
	League    sports.League `json:"league"`
	StartTime *time.Time    `json:"start_time,omitempty"`
	Venue     *sports.Venue `json:"venue,omitempty"`
}

// MarketPackage is everything the client needs to open the market on chain.
type MarketPackage struct {
	FixtureID    int64                  `json:"fixture_id"`
	SelectedType dialogue.SelectionType `json:"selected_type"`
	Amount       float64                `json:"amount"`
	Currency     string                 `json:"currency"`
	Selected     Option                 `json:"selected"`
	Market       Market                 `json:"market"`
	Selections   []Option               `json:"selections"`
	Event        Event                  `json:"event"`
}

// buildMarketPackage assembles the package from complete market slots. fx
// enriches the event when the fixture could be looked up.
func buildMarketPackage(creatorID string, s dialogue.SlotSet, fx *sports.Fixture, now time.Time) MarketPackage {
	ev := Event{Type: "football_match", FixtureID: *s.FixtureID}
	if s.HomeTeam != nil {
		ev.HomeTeam.Name = *s.HomeTeam
	}
	if s.AwayTeam != nil {
		ev.AwayTeam.Name = *s.AwayTeam
	}
	if fx != nil {
		ev.HomeTeam, ev.AwayTeam = fx.Home, fx.Away
		ev.League = fx.League
		if !fx.Kickoff.IsZero() {
			k := fx.Kickoff
			ev.StartTime = &k
		}
		if fx.Venue != (sports.Venue{}) {
			v := fx.Venue
			ev.Venue = &v
		}
	}
	home, away := ev.HomeTeam.Name, ev.AwayTeam.Name
	if home == "" {
		home = "Home team"
	}
	if away == "" {
		away = "Away team"
	}

	selections := Options(home)
	return MarketPackage{
		FixtureID:    *s.FixtureID,
		SelectedType: *s.SelectedType,
		Amount:       *s.Amount,
		Currency:     *s.Currency,
		Selected:     optionFor(home, *s.SelectedType),
		Market: Market{
			CreatorID:   creatorID,
			Title:       fmt.Sprintf("%s vs %s Match Prediction", home, away),
			Description: fmt.Sprintf("Predict the outcome of %s vs %s", home, away),
			Type:        "binary",
			Status:      "draft",
			Category:    "sports",
			Amount:      *s.Amount,
			Currency:    *s.Currency,
			CloseDate:   ev.StartTime,
			CreatedAt:   now,
		},
		Selections: selections,
		Event:      ev,
	}
}
