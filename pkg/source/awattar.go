package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chargehelm/chargehelm/pkg/common"
	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/types"
)

// Awattar implements PriceProvider against the aWATTar day-ahead market API.
// Prices are hourly, published for today and (after the daily auction)
// tomorrow.
type Awattar struct {
	apiURLs map[string]string
	client  *http.Client
}

// configuredAwattar sets up flags for aWATTar and returns the instance.
func configuredAwattar() *Awattar {
	a := &Awattar{
		client: common.HTTPClient(10 * time.Second),
	}
	deURL := lflag.String("awattar-de-api-url", "https://api.awattar.de/v1/marketdata", "URL for the aWATTar Germany market data API")
	atURL := lflag.String("awattar-at-api-url", "https://api.awattar.at/v1/marketdata", "URL for the aWATTar Austria market data API")

	lflag.Do(func() {
		a.apiURLs = map[string]string{
			"DE-LU": *deURL,
			"AT":    *atURL,
		}
	})

	return a
}

type awattarEntry struct {
	StartTimestamp int64   `json:"start_timestamp"` // unix millis
	EndTimestamp   int64   `json:"end_timestamp"`
	Marketprice    float64 `json:"marketprice"` // EUR/MWh
	Unit           string  `json:"unit"`
}

type awattarResponse struct {
	Data []awattarEntry `json:"data"`
}

// GetPriceSeries fetches the hourly market prices from the start of the
// current hour through the end of the published horizon and derives the buy
// and feed-in channels from them.
func (a *Awattar) GetPriceSeries(ctx context.Context, area string, fees PriceFees) (*types.ForecastSeries, *types.ForecastSeries, error) {
	apiURL, ok := a.apiURLs[area]
	if !ok {
		return nil, nil, fmt.Errorf("unknown awattar price area: %s", area)
	}

	now := time.Now()
	start := now.Truncate(time.Hour)
	end := start.Add(48 * time.Hour)

	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid awattar url (%s): %w", apiURL, err)
	}
	q := u.Query()
	q.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching awattar prices", slog.String("url", u.String()))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch awattar prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("awattar api returned status: %d", resp.StatusCode)
	}

	var data awattarResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, nil, fmt.Errorf("failed to decode awattar response: %w", err)
	}
	if len(data.Data) == 0 {
		return nil, nil, fmt.Errorf("awattar returned no prices for %s", area)
	}

	sort.Slice(data.Data, func(i, j int) bool {
		return data.Data[i].StartTimestamp < data.Data[j].StartTimestamp
	})

	fetchedAt := time.Now()
	buy := &types.ForecastSeries{Period: time.Hour, FetchedAt: fetchedAt}
	feedIn := &types.ForecastSeries{Period: time.Hour, FetchedAt: fetchedAt}
	for _, e := range data.Data {
		ts := time.UnixMilli(e.StartTimestamp)
		// EUR/MWh to currency/kWh
		spot := e.Marketprice / 1000.0
		buy.Points = append(buy.Points, types.SeriesPoint{
			Timestamp: ts,
			Value:     spot + fees.AdditionalDollarsPerKWH,
		})
		feedIn.Points = append(feedIn.Points, types.SeriesPoint{
			Timestamp: ts,
			Value:     spot - fees.FeedInOffsetDollarsPerKWH,
		})
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched awattar prices",
		slog.Int("count", len(buy.Points)),
		slog.Time("first", buy.Points[0].Timestamp),
		slog.Time("last", buy.Points[len(buy.Points)-1].Timestamp),
	)
	return buy, feedIn, nil
}
