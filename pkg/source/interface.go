package source

import (
	"context"

	"github.com/chargehelm/chargehelm/pkg/types"
)

// PriceFees derives the buy and feed-in channels from the raw spot price.
type PriceFees struct {
	// AdditionalDollarsPerKWH is added to the spot price for the buy channel.
	AdditionalDollarsPerKWH float64
	// FeedInOffsetDollarsPerKWH is subtracted from the spot price for the
	// feed-in channel.
	FeedInOffsetDollarsPerKWH float64
}

// PriceProvider defines the interface for fetching spot-price series.
type PriceProvider interface {
	// GetPriceSeries returns the buy and feed-in price series for the area,
	// covering the current period through the provider's forecast horizon.
	GetPriceSeries(ctx context.Context, area string, fees PriceFees) (buy, feedIn *types.ForecastSeries, err error)
}

// WeatherProvider defines the interface for fetching weather forecasts.
type WeatherProvider interface {
	// GetForecast returns hourly solar radiation (W/m2) and cloud cover (%)
	// series for the location.
	GetForecast(ctx context.Context, latitude, longitude float64) (solar, cloud *types.ForecastSeries, err error)
}
