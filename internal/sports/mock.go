package sports

import (
	"context"
	"strings"
	"time"
)

// MockProvider serves a fixed fixture list. It is selected explicitly for
// local development and tests.
type MockProvider struct {
	Fixtures []Fixture
	Now      func() time.Time
}

// NewMockProvider returns a provider seeded with a handful of fixtures
// kicking off in the days after now.
func NewMockProvider(now time.Time) *MockProvider {
	day := now.UTC().Truncate(24 * time.Hour)
	pl := League{ID: 39, Name: "Premier League", Country: "England", Round: "Regular Season - 9"}
	laliga := League{ID: 140, Name: "La Liga", Country: "Spain", Round: "Regular Season - 10"}
	return &MockProvider{
		Now: func() time.Time { return now },
		Fixtures: []Fixture{
			{
				ID: 12345, Kickoff: day.AddDate(0, 0, 2).Add(15 * time.Hour), Status: "Not Started",
				Home: Team{ID: 47, Name: "Tottenham"}, Away: Team{ID: 42, Name: "Arsenal"},
				League: pl, Venue: Venue{Name: "Tottenham Hotspur Stadium", City: "London"},
			},
			{
				ID: 12346, Kickoff: day.AddDate(0, 0, 5).Add(17 * time.Hour), Status: "Not Started",
				Home: Team{ID: 40, Name: "Liverpool"}, Away: Team{ID: 47, Name: "Tottenham"},
				League: pl, Venue: Venue{Name: "Anfield", City: "Liverpool"},
			},
			{
				ID: 22001, Kickoff: day.AddDate(0, 0, 3).Add(20 * time.Hour), Status: "Not Started",
				Home: Team{ID: 541, Name: "Real Madrid"}, Away: Team{ID: 529, Name: "Barcelona"},
				League: laliga, Venue: Venue{Name: "Estadio Santiago Bernabeu", City: "Madrid"},
			},
			{
				ID: 12300, Kickoff: day.AddDate(0, 0, -3).Add(15 * time.Hour), Status: "Match Finished",
				Home: Team{ID: 47, Name: "Tottenham"}, Away: Team{ID: 49, Name: "Chelsea"},
				League: pl, Venue: Venue{Name: "Tottenham Hotspur Stadium", City: "London"},
				Score: Score{Home: intPtr(2), Away: intPtr(1)},
			},
		},
	}
}

func (m *MockProvider) Search(ctx context.Context, q Query) ([]Fixture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	text := strings.ToLower(strings.TrimSpace(q.Text))
	out := []Fixture{}
	for _, fx := range m.Fixtures {
		if q.FixtureID != 0 {
			if fx.ID == q.FixtureID {
				out = append(out, fx)
			}
			continue
		}
		if fx.Kickoff.After(now) != q.upcoming() {
			continue
		}
		if q.TeamID != 0 && fx.Home.ID != q.TeamID && fx.Away.ID != q.TeamID {
			continue
		}
		if q.LeagueID != 0 && fx.League.ID != q.LeagueID {
			continue
		}
		if q.Date != "" && fx.Kickoff.Format(time.DateOnly) != q.Date {
			continue
		}
		if text != "" && !m.matches(q.Kind, fx, text) {
			continue
		}
		out = append(out, fx)
		if len(out) == maxFixtures {
			break
		}
	}
	return out, nil
}

func (m *MockProvider) matches(kind SearchKind, fx Fixture, text string) bool {
	if kind == KindLeague {
		return strings.Contains(strings.ToLower(fx.League.Name), text)
	}
	return strings.Contains(strings.ToLower(fx.Home.Name), text) || strings.Contains(strings.ToLower(fx.Away.Name), text)
}

func intPtr(v int) *int { return &v }
