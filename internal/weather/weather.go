// Package weather resolves postal codes with Zippopotam.us and reads current
// conditions and daily forecasts from Open-Meteo. Both services are called
// through one circuit breaker so a dead upstream fails fast.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

const (
	DefaultZipURL   = "http://api.zippopotam.us"
	DefaultMeteoURL = "https://api.open-meteo.com"
)

var (
	ErrNotConfigured = errors.New("zip code is not set")
	ErrNotFound      = errors.New("postal code not found")
	ErrUnavailable   = errors.New("weather service unavailable")
)

type Client struct {
	http     *http.Client
	zipURL   string
	meteoURL string
	cb       *gobreaker.CircuitBreaker
}

type Option func(*Client)

// WithBaseURLs points the client at alternative Zippopotam and Open-Meteo
// endpoints.
func WithBaseURLs(zip, meteo string) Option {
	return func(c *Client) {
		c.zipURL = zip
		c.meteoURL = meteo
	}
}

func New(hc *http.Client, opts ...Option) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}

	c := &Client{
		http:     hc,
		zipURL:   DefaultZipURL,
		meteoURL: DefaultMeteoURL,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weather",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		return nil, json.Unmarshal(body, out)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// Place is a resolved postal code.
type Place struct {
	Lat   float64
	Lon   float64
	City  string
	State string
}

// Name is "City, State", or "your area" when either part is unknown.
func (p Place) Name() string {
	if p.City == "" || p.State == "" {
		return "your area"
	}
	return p.City + ", " + p.State
}

type zipResponse struct {
	Places []struct {
		PlaceName string `json:"place name"`
		State     string `json:"state"`
		Latitude  string `json:"latitude"`
		Longitude string `json:"longitude"`
	} `json:"places"`
}

// Lookup resolves a postal code within country (ISO code, e.g. "us").
func (c *Client) Lookup(ctx context.Context, country, zip string) (Place, error) {
	if zip == "" {
		return Place{}, ErrNotConfigured
	}
	if country == "" {
		country = "us"
	}

	u := fmt.Sprintf("%s/%s/%s", c.zipURL, url.PathEscape(country), url.PathEscape(zip))

	var zr zipResponse
	if err := c.getJSON(ctx, u, &zr); err != nil {
		return Place{}, fmt.Errorf("lookup %s/%s: %w", country, zip, err)
	}
	if len(zr.Places) == 0 {
		return Place{}, fmt.Errorf("lookup %s/%s: %w", country, zip, ErrNotFound)
	}

	p := zr.Places[0]
	lat, err := strconv.ParseFloat(p.Latitude, 64)
	if err != nil {
		return Place{}, fmt.Errorf("bad latitude %q: %w", p.Latitude, err)
	}
	lon, err := strconv.ParseFloat(p.Longitude, 64)
	if err != nil {
		return Place{}, fmt.Errorf("bad longitude %q: %w", p.Longitude, err)
	}

	return Place{Lat: lat, Lon: lon, City: p.PlaceName, State: p.State}, nil
}

type meteoResponse struct {
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
	} `json:"current_weather"`
	Daily struct {
		WeatherCode []int     `json:"weathercode"`
		TempMax     []float64 `json:"temperature_2m_max"`
		TempMin     []float64 `json:"temperature_2m_min"`
		PrecipMax   []float64 `json:"precipitation_probability_max"`
	} `json:"daily"`
}

func (c *Client) forecastURL(p Place, params url.Values) string {
	params.Set("latitude", strconv.FormatFloat(p.Lat, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(p.Lon, 'f', -1, 64))
	params.Set("current_weather", "true")
	return c.meteoURL + "/v1/forecast?" + params.Encode()
}

// CurrentTemperature returns the current temperature at p in °C.
func (c *Client) CurrentTemperature(ctx context.Context, p Place) (float64, error) {
	var mr meteoResponse
	if err := c.getJSON(ctx, c.forecastURL(p, url.Values{}), &mr); err != nil {
		return 0, fmt.Errorf("current weather: %w", err)
	}
	return mr.CurrentWeather.Temperature, nil
}

// Day is one day of a daily forecast.
type Day struct {
	Code      int
	High      float64
	Low       float64
	PrecipMax float64
}

type Forecast struct {
	Current float64
	Days    []Day
}

// Forecast returns current conditions and the daily forecast at p. Values
// are in °F when fahrenheit is set, °C otherwise.
func (c *Client) Forecast(ctx context.Context, p Place, fahrenheit bool) (*Forecast, error) {
	unit := "celsius"
	if fahrenheit {
		unit = "fahrenheit"
	}

	params := url.Values{}
	params.Set("daily", "weathercode,temperature_2m_max,temperature_2m_min,precipitation_probability_max")
	params.Set("temperature_unit", unit)
	params.Set("timezone", "auto")

	var mr meteoResponse
	if err := c.getJSON(ctx, c.forecastURL(p, params), &mr); err != nil {
		return nil, fmt.Errorf("forecast: %w", err)
	}

	d := mr.Daily
	n := min(len(d.WeatherCode), len(d.TempMax), len(d.TempMin), len(d.PrecipMax))
	f := &Forecast{Current: mr.CurrentWeather.Temperature, Days: make([]Day, 0, n)}
	for i := range n {
		f.Days = append(f.Days, Day{
			Code:      d.WeatherCode[i],
			High:      d.TempMax[i],
			Low:       d.TempMin[i],
			PrecipMax: d.PrecipMax[i],
		})
	}
	return f, nil
}
