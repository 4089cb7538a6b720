package skills

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"calico/internal/settings"
	"calico/internal/skill"
	"calico/internal/weather"
	"calico/pkg/hermes"
)

const (
	tempUnavailable     = "Sorry, I can't get the temperature right now."
	forecastNoZip       = "I can't get the forecast because your zip code isn't set."
	forecastUnavailable = "Sorry, I'm having trouble getting the forecast right now."
)

// Temperature reports the current temperature at the configured zip code.
type Temperature struct {
	oneShot
	settings *settings.Settings
	weather  *weather.Client
}

func NewTemperature(env skill.Env) (skill.Skill, error) {
	if env.Settings == nil || env.Weather == nil {
		return nil, errors.New("temperature needs settings and a weather client")
	}
	return &Temperature{oneShot: newOneShot(env), settings: env.Settings, weather: env.Weather}, nil
}

func (t *Temperature) HandleIntent(ctx context.Context, msg *hermes.IntentMessage) error {
	text, err := t.report(ctx)
	if err != nil {
		t.log.Error("Failed to provide local temperature", "err", err)
		text = tempUnavailable
	}
	return t.say(ctx, msg, text)
}

func (t *Temperature) report(ctx context.Context) (string, error) {
	place, err := t.weather.Lookup(ctx, t.settings.Region(), t.settings.ZipCode())
	if err != nil {
		return "", err
	}

	celsius, err := t.weather.CurrentTemperature(ctx, place)
	if err != nil {
		return "", err
	}

	if t.settings.TempUnit() == "c" {
		return fmt.Sprintf("It's currently %.1f degrees Celsius in %s.", celsius, place.Name()), nil
	}
	return fmt.Sprintf("It's currently %.1f degrees Fahrenheit in %s.", celsius*9/5+32, place.Name()), nil
}

// Forecast reads today's or tomorrow's forecast.
type Forecast struct {
	oneShot
	settings *settings.Settings
	weather  *weather.Client
}

func NewForecast(env skill.Env) (skill.Skill, error) {
	if env.Settings == nil || env.Weather == nil {
		return nil, errors.New("forecast needs settings and a weather client")
	}
	return &Forecast{oneShot: newOneShot(env), settings: env.Settings, weather: env.Weather}, nil
}

func (f *Forecast) HandleIntent(ctx context.Context, msg *hermes.IntentMessage) error {
	day := "today"
	if strings.EqualFold(msg.Slot("today_or_tomorrow", "today"), "tomorrow") {
		day = "tomorrow"
	}

	text, err := f.report(ctx, day)
	switch {
	case errors.Is(err, weather.ErrNotConfigured):
		text = forecastNoZip
	case err != nil:
		f.log.Error("Failed to get forecast", "day", day, "err", err)
		text = forecastUnavailable
	}
	return f.say(ctx, msg, text)
}

func (f *Forecast) report(ctx context.Context, day string) (string, error) {
	place, err := f.weather.Lookup(ctx, f.settings.Region(), f.settings.ZipCode())
	if err != nil {
		return "", err
	}

	fc, err := f.weather.Forecast(ctx, place, f.settings.TempUnit() == "f")
	if err != nil {
		return "", err
	}
	return formatForecast(fc, day)
}

func formatForecast(fc *weather.Forecast, day string) (string, error) {
	idx := 0
	if day == "tomorrow" {
		idx = 1
	}
	if idx >= len(fc.Days) {
		return "", fmt.Errorf("forecast has %d days, need %s", len(fc.Days), day)
	}
	d := fc.Days[idx]

	var b strings.Builder
	fmt.Fprintf(&b, "For %s, expect %s. ", day, weather.Describe(d.Code))
	if day == "today" {
		fmt.Fprintf(&b, "It's currently %d degrees. ", round(fc.Current))
	}
	fmt.Fprintf(&b, "The high will be %d and the low %d. ", round(d.High), round(d.Low))

	if d.PrecipMax > 10 {
		fmt.Fprintf(&b, "There is a maximum %d percent chance of precipitation for the day.", round(d.PrecipMax))
	} else {
		b.WriteString("There is a low chance of precipitation.")
	}
	return b.String(), nil
}

func round(v float64) int {
	return int(math.Round(v))
}
