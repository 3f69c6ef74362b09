package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chargehelm/chargehelm/pkg/common"
	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/types"
)

// OpenMeteo implements WeatherProvider against the Open-Meteo forecast API.
type OpenMeteo struct {
	apiURL string
	client *http.Client
}

// configuredOpenMeteo sets up flags for Open-Meteo and returns the instance.
func configuredOpenMeteo() *OpenMeteo {
	o := &OpenMeteo{
		client: common.HTTPClient(10 * time.Second),
	}
	apiURL := lflag.String("openmeteo-api-url", "https://api.open-meteo.com/v1/forecast", "URL for the Open-Meteo forecast API")

	lflag.Do(func() {
		o.apiURL = *apiURL
	})

	return o
}

type openMeteoHourly struct {
	Time               []string  `json:"time"`
	ShortwaveRadiation []float64 `json:"shortwave_radiation"`
	CloudCover         []float64 `json:"cloudcover"`
}

type openMeteoResponse struct {
	Hourly openMeteoHourly `json:"hourly"`
}

// GetForecast fetches hourly shortwave radiation and cloud cover for the
// location for the next two days.
func (o *OpenMeteo) GetForecast(ctx context.Context, latitude, longitude float64) (*types.ForecastSeries, *types.ForecastSeries, error) {
	u, err := url.Parse(o.apiURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid openmeteo url (%s): %w", o.apiURL, err)
	}
	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(longitude, 'f', 4, 64))
	q.Set("hourly", "shortwave_radiation,cloudcover")
	q.Set("forecast_days", "2")
	q.Set("timezone", "UTC")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching weather forecast", slog.String("url", u.String()))

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch weather forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("openmeteo api returned status: %d", resp.StatusCode)
	}

	var data openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, nil, fmt.Errorf("failed to decode openmeteo response: %w", err)
	}
	if len(data.Hourly.Time) == 0 {
		return nil, nil, fmt.Errorf("openmeteo returned no hourly data")
	}
	if len(data.Hourly.ShortwaveRadiation) != len(data.Hourly.Time) || len(data.Hourly.CloudCover) != len(data.Hourly.Time) {
		return nil, nil, fmt.Errorf("openmeteo hourly arrays have mismatched lengths")
	}

	fetchedAt := time.Now()
	solar := &types.ForecastSeries{Period: time.Hour, FetchedAt: fetchedAt}
	cloud := &types.ForecastSeries{Period: time.Hour, FetchedAt: fetchedAt}
	for i, raw := range data.Hourly.Time {
		ts, err := time.ParseInLocation("2006-01-02T15:04", raw, time.UTC)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse openmeteo time", slog.String("value", raw), slog.Any("error", err))
			continue
		}
		solar.Points = append(solar.Points, types.SeriesPoint{Timestamp: ts, Value: data.Hourly.ShortwaveRadiation[i]})
		cloud.Points = append(cloud.Points, types.SeriesPoint{Timestamp: ts, Value: data.Hourly.CloudCover[i]})
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched weather forecast",
		slog.Int("hours", len(solar.Points)),
		slog.Float64("latitude", latitude),
		slog.Float64("longitude", longitude),
	)
	return solar, cloud, nil
}
