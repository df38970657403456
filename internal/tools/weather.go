package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/concierge-agent/concierge/internal/config"
	"github.com/concierge-agent/concierge/internal/httpkit"
)

// weatherCodes maps WMO weather interpretation codes to descriptions.
var weatherCodes = map[int]string{
	0: "clear sky", 1: "mainly clear", 2: "partly cloudy", 3: "overcast",
	45: "fog", 48: "depositing rime fog",
	51: "light drizzle", 53: "drizzle", 55: "dense drizzle",
	61: "light rain", 63: "rain", 65: "heavy rain",
	66: "freezing rain", 67: "heavy freezing rain",
	71: "light snow", 73: "snow", 75: "heavy snow", 77: "snow grains",
	80: "light showers", 81: "showers", 82: "violent showers",
	85: "snow showers", 86: "heavy snow showers",
	95: "thunderstorm", 96: "thunderstorm with hail", 99: "thunderstorm with heavy hail",
}

// WeatherClient queries the Open-Meteo forecast API.
type WeatherClient struct {
	cfg    config.WeatherConfig
	client *http.Client
}

// NewWeatherClient creates a forecast client for the configured
// location.
func NewWeatherClient(cfg config.WeatherConfig) *WeatherClient {
	return &WeatherClient{
		cfg: cfg,
		client: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, time.Second),
		),
	}
}

type forecastResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		WeatherCode int     `json:"weather_code"`
		WindSpeed   float64 `json:"wind_speed_10m"`
	} `json:"current"`
	Daily struct {
		Time             []string  `json:"time"`
		TempMax          []float64 `json:"temperature_2m_max"`
		TempMin          []float64 `json:"temperature_2m_min"`
		PrecipitationPct []int     `json:"precipitation_probability_max"`
		WeatherCode      []int     `json:"weather_code"`
	} `json:"daily"`
}

// Forecast returns a text forecast for the next days days (1-7).
func (w *WeatherClient) Forecast(ctx context.Context, days int) (string, error) {
	if days < 1 {
		days = 1
	}
	if days > 7 {
		days = 7
	}

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", w.cfg.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", w.cfg.Longitude))
	q.Set("current", "temperature_2m,weather_code,wind_speed_10m")
	q.Set("daily", "temperature_2m_max,temperature_2m_min,precipitation_probability_max,weather_code")
	q.Set("forecast_days", fmt.Sprintf("%d", days))
	q.Set("timezone", "auto")

	reqURL := strings.TrimRight(w.cfg.BaseURL, "/") + "/v1/forecast?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("forecast request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("forecast request: %s: %s", resp.Status, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var fc forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		return "", fmt.Errorf("decode forecast: %w", err)
	}
	return formatForecast(&fc), nil
}

func formatForecast(fc *forecastResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Now: %s, %.1f°C, wind %.0f km/h\n",
		describeCode(fc.Current.WeatherCode), fc.Current.Temperature, fc.Current.WindSpeed)

	for i, day := range fc.Daily.Time {
		if i >= len(fc.Daily.TempMax) || i >= len(fc.Daily.TempMin) {
			break
		}
		fmt.Fprintf(&b, "%s: %s, %.0f to %.0f°C",
			day, describeCode(at(fc.Daily.WeatherCode, i)), fc.Daily.TempMin[i], fc.Daily.TempMax[i])
		if i < len(fc.Daily.PrecipitationPct) {
			fmt.Fprintf(&b, ", %d%% chance of precipitation", fc.Daily.PrecipitationPct[i])
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeCode(code int) string {
	if desc, ok := weatherCodes[code]; ok {
		return desc
	}
	return fmt.Sprintf("weather code %d", code)
}

func at(s []int, i int) int {
	if i < len(s) {
		return s[i]
	}
	return 0
}

// Weather returns the forecast tool backed by client.
func Weather(client *WeatherClient) *Tool {
	return &Tool{
		Name:        "weather",
		Description: "Get the current weather and forecast for the user's location.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"days": map[string]any{
					"type":        "integer",
					"description": "How many days of forecast to include (1-7, default 1)",
				},
			},
		},
		Suggestion: "set the location coordinates in the weather section of config.yaml",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			days := 1
			if v, ok := args["days"].(float64); ok {
				days = int(v)
			}
			return client.Forecast(ctx, days)
		},
	}
}
