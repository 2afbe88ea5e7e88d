package sports

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"predix-agent-backend/internal/dialogue"
)

// APISportsClient implements Provider on top of the api-sports.io football
// v3 REST API. It keeps a very small surface area tailored to our needs.
type APISportsClient struct {
	httpClient *http.Client
	baseAPI    string
	apiKey     string
	season     int
	now        func() time.Time
}

func NewAPISportsClient(baseAPI, apiKey string, season int) *APISportsClient {
	return &APISportsClient{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		baseAPI:    strings.TrimRight(baseAPI, "/"),
		apiKey:     apiKey,
		season:     season,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ---- Helpers ----

type envelope struct {
	Errors   json.RawMessage `json:"errors"`
	Results  int             `json:"results"`
	Response json.RawMessage `json:"response"`
}

func (c *APISportsClient) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseAPI + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-apisports-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &dialogue.UpstreamError{Op: "sports api " + path, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Wrapf(dialogue.ErrUpstreamUnavailable, "sports api %s failed: %d %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &dialogue.UpstreamError{Op: "sports api " + path, Err: errors.Wrap(err, "decode")}
	}
	if hasErrors(env.Errors) {
		return errors.Wrapf(dialogue.ErrUpstreamUnavailable, "sports api %s rejected request: %s", path, string(env.Errors))
	}
	if len(env.Response) == 0 || string(env.Response) == "null" {
		return nil
	}
	return json.Unmarshal(env.Response, out)
}

// hasErrors reports whether the errors member is a non-empty array or object.
func hasErrors(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "[]", "{}":
		return false
	}
	return true
}

// ---- Wire types (minimal fields used) ----

type teamItem struct {
	Team struct {
		ID      int64  `json:"id"`
		Name    string `json:"name"`
		Country string `json:"country"`
	} `json:"team"`
}

type leagueItem struct {
	League struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"league"`
	Country struct {
		Name string `json:"name"`
	} `json:"country"`
}

type fixtureItem struct {
	Fixture struct {
		ID     int64  `json:"id"`
		Date   string `json:"date"`
		Status struct {
			Long string `json:"long"`
		} `json:"status"`
		Venue struct {
			Name string `json:"name"`
			City string `json:"city"`
		} `json:"venue"`
	} `json:"fixture"`
	League struct {
		ID      int64  `json:"id"`
		Name    string `json:"name"`
		Country string `json:"country"`
		Round   string `json:"round"`
	} `json:"league"`
	Teams struct {
		Home Team `json:"home"`
		Away Team `json:"away"`
	} `json:"teams"`
	Goals Score `json:"goals"`
}

func (it fixtureItem) normalize() Fixture {
	kickoff, err := time.Parse(time.RFC3339, it.Fixture.Date)
	if err != nil {
		log.Debug().Str("date", it.Fixture.Date).Int64("fixture_id", it.Fixture.ID).Msg("unparseable fixture date")
	}
	return Fixture{
		ID:      it.Fixture.ID,
		Kickoff: kickoff.UTC(),
		Status:  it.Fixture.Status.Long,
		Home:    Team{ID: it.Teams.Home.ID, Name: it.Teams.Home.Name},
		Away:    Team{ID: it.Teams.Away.ID, Name: it.Teams.Away.Name},
		League: League{
			ID:      it.League.ID,
			Name:    it.League.Name,
			Country: it.League.Country,
			Round:   it.League.Round,
		},
		Venue: Venue{Name: it.Fixture.Venue.Name, City: it.Fixture.Venue.City},
		Score: it.Goals,
	}
}

// ---- Endpoints ----

func (c *APISportsClient) SearchTeams(ctx context.Context, name string) ([]Team, error) {
	var items []teamItem
	if err := c.getJSON(ctx, "/teams", url.Values{"search": {name}}, &items); err != nil {
		return nil, err
	}
	out := make([]Team, 0, len(items))
	for _, it := range items {
		out = append(out, Team{ID: it.Team.ID, Name: it.Team.Name})
		if len(out) == maxTeams {
			break
		}
	}
	log.Debug().Str("query", name).Int("teams", len(out)).Msg("sports team search")
	return out, nil
}

func (c *APISportsClient) SearchLeagues(ctx context.Context, name, country string) ([]League, error) {
	params := url.Values{}
	if name != "" {
		params.Set("search", name)
	}
	if country != "" {
		params.Set("country", country)
	}
	var items []leagueItem
	if err := c.getJSON(ctx, "/leagues", params, &items); err != nil {
		return nil, err
	}
	out := make([]League, 0, len(items))
	for _, it := range items {
		out = append(out, League{ID: it.League.ID, Name: it.League.Name, Country: it.Country.Name})
	}
	return out, nil
}

// FixtureFilter narrows a /fixtures request. Without an id, date or range the
// window is the seven days after (or before) today.
type FixtureFilter struct {
	FixtureID int64
	TeamID    int64
	LeagueID  int64
	Date      string
	From, To  string
	Upcoming  bool
}

func (c *APISportsClient) Fixtures(ctx context.Context, f FixtureFilter) ([]Fixture, error) {
	params := url.Values{}
	params.Set("timezone", "UTC")
	if f.FixtureID != 0 {
		params.Set("id", strconv.FormatInt(f.FixtureID, 10))
	} else {
		params.Set("season", strconv.Itoa(c.season))
		if f.Date == "" && f.From == "" && f.To == "" {
			today := c.now().Truncate(24 * time.Hour)
			if f.Upcoming {
				f.From, f.To = today.Format(time.DateOnly), today.AddDate(0, 0, 7).Format(time.DateOnly)
			} else {
				f.From, f.To = today.AddDate(0, 0, -7).Format(time.DateOnly), today.Format(time.DateOnly)
			}
		}
		if f.Date != "" {
			params.Set("date", f.Date)
		}
		if f.From != "" {
			params.Set("from", f.From)
		}
		if f.To != "" {
			params.Set("to", f.To)
		}
		if f.TeamID != 0 {
			params.Set("team", strconv.FormatInt(f.TeamID, 10))
		}
		if f.LeagueID != 0 {
			params.Set("league", strconv.FormatInt(f.LeagueID, 10))
		}
	}

	var items []fixtureItem
	if err := c.getJSON(ctx, "/fixtures", params, &items); err != nil {
		return nil, err
	}
	now := c.now()
	out := make([]Fixture, 0, len(items))
	for _, it := range items {
		fx := it.normalize()
		// Keep only fixtures on the requested side of now unless fetched by id
		if f.FixtureID == 0 && !fx.Kickoff.IsZero() && fx.Kickoff.After(now) != f.Upcoming {
			continue
		}
		out = append(out, fx)
	}
	return out, nil
}

// Search resolves a Query into fixtures. Team and league searches first
// resolve names to ids, then collect their fixtures.
func (c *APISportsClient) Search(ctx context.Context, q Query) ([]Fixture, error) {
	upcoming := q.upcoming()
	base := FixtureFilter{Date: q.Date, Upcoming: upcoming}

	var filters []FixtureFilter
	switch {
	case q.FixtureID != 0:
		filters = append(filters, FixtureFilter{FixtureID: q.FixtureID})
	case q.Kind == KindLeague || q.LeagueID != 0:
		leagueIDs := []int64{q.LeagueID}
		if q.LeagueID == 0 {
			leagues, err := c.SearchLeagues(ctx, q.Text, q.Country)
			if err != nil {
				return nil, err
			}
			leagueIDs = leagueIDs[:0]
			for _, l := range leagues {
				leagueIDs = append(leagueIDs, l.ID)
				if len(leagueIDs) == 1 {
					break
				}
			}
		}
		for _, id := range leagueIDs {
			f := base
			f.LeagueID = id
			filters = append(filters, f)
		}
	case q.TeamID != 0 || strings.TrimSpace(q.Text) != "":
		teamIDs := []int64{q.TeamID}
		if q.TeamID == 0 {
			teams, err := c.SearchTeams(ctx, q.Text)
			if err != nil {
				return nil, err
			}
			teamIDs = teamIDs[:0]
			for _, t := range teams {
				teamIDs = append(teamIDs, t.ID)
			}
		}
		for _, id := range teamIDs {
			f := base
			f.TeamID = id
			filters = append(filters, f)
		}
	case q.Date != "":
		filters = append(filters, base)
	}

	out := []Fixture{}
	seen := make(map[int64]bool)
	for _, f := range filters {
		found, err := c.Fixtures(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, fx := range found {
			if seen[fx.ID] {
				continue
			}
			seen[fx.ID] = true
			out = append(out, fx)
			if len(out) == maxFixtures {
				return out, nil
			}
		}
	}
	return out, nil
}
