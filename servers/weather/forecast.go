package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Forecaster fetches the current conditions for a location.
type Forecaster interface {
	Forecast(ctx context.Context, latitude, longitude string) (Conditions, error)
}

// Conditions is the current-conditions record of a forecast.
type Conditions struct {
	// Time is the ISO8601 time step, in GMT.
	Time string `json:"time"`
	// Interval is the length of the time step in seconds.
	Interval int `json:"interval"`

	Temperature              float64 `json:"temperature_2m"`
	ApparentTemperature      float64 `json:"apparent_temperature"`
	CloudCover               int     `json:"cloud_cover"`
	WindSpeed                float64 `json:"wind_speed_10m"`
	WindGusts                float64 `json:"wind_gusts_10m"`
	PrecipitationProbability int     `json:"precipitation_probability"`
	WeatherCode              int     `json:"weather_code"`
	IsDay                    DayFlag `json:"is_day"`
}

// DayFlag is true when the time step has daylight. It is encoded as 1 or 0.
type DayFlag bool

// OpenMeteo is a Forecaster backed by the Open-Meteo forecast API.
type OpenMeteo struct {
	baseURL    string
	httpClient *http.Client
}

// OpenMeteoOption represents the options for OpenMeteo.
type OpenMeteoOption func(*OpenMeteo)

type forecastResponse struct {
	Current Conditions `json:"current"`
}

// DefaultForecastURL is the public Open-Meteo forecast endpoint.
const DefaultForecastURL = "https://api.open-meteo.com/v1/forecast"

const currentFields = "temperature_2m,apparent_temperature,cloud_cover,wind_speed_10m," +
	"wind_gusts_10m,precipitation_probability,weather_code,is_day"

// NewOpenMeteo creates a forecaster querying DefaultForecastURL.
func NewOpenMeteo(options ...OpenMeteoOption) OpenMeteo {
	o := OpenMeteo{
		baseURL:    DefaultForecastURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range options {
		opt(&o)
	}
	return o
}

// WithForecastURL overrides the forecast endpoint.
func WithForecastURL(u string) OpenMeteoOption {
	return func(o *OpenMeteo) {
		o.baseURL = u
	}
}

// WithHTTPClient sets the HTTP client used for forecast requests.
func WithHTTPClient(client *http.Client) OpenMeteoOption {
	return func(o *OpenMeteo) {
		o.httpClient = client
	}
}

// Forecast implements Forecaster.
func (o OpenMeteo) Forecast(ctx context.Context, latitude, longitude string) (Conditions, error) {
	u, err := url.Parse(o.baseURL)
	if err != nil {
		return Conditions{}, fmt.Errorf("invalid forecast URL: %w", err)
	}
	q := u.Query()
	q.Set("latitude", latitude)
	q.Set("longitude", longitude)
	q.Set("current", currentFields)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Conditions{}, fmt.Errorf("failed to create forecast request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Conditions{}, fmt.Errorf("failed to fetch forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Conditions{}, fmt.Errorf("forecast API returned %d: %s", resp.StatusCode, body)
	}

	var fr forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return Conditions{}, fmt.Errorf("failed to decode forecast: %w", err)
	}
	return fr.Current, nil
}

// UnmarshalJSON accepts 0 and 1 as well as JSON booleans.
func (d *DayFlag) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case bool:
		*d = DayFlag(v)
	case float64:
		*d = v != 0
	default:
		return fmt.Errorf("invalid is_day value: %s", data)
	}
	return nil
}

func (d DayFlag) String() string {
	return strconv.FormatBool(bool(d))
}
