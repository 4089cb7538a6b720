package skills

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calico/internal/gateway"
	"calico/internal/metrics"
	"calico/internal/session"
	"calico/internal/settings"
	"calico/internal/skill"
	"calico/internal/weather"
	"calico/pkg/broker"
	"calico/pkg/hermes"
)

type fakeActions struct {
	opened  []string
	spawned [][]string
	err     error
}

func (f *fakeActions) Open(target string) error {
	f.opened = append(f.opened, target)
	return f.err
}

func (f *fakeActions) Spawn(name string, args ...string) error {
	f.spawned = append(f.spawned, append([]string{name}, args...))
	return f.err
}

type harness struct {
	bus     *broker.Memory
	store   *session.MemoryStore
	actions *fakeActions
	reg     *skill.Registry
}

func upstream(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/us/90210", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"places":[{"place name":"Beverly Hills","longitude":"-118.4065","state":"California","latitude":"34.0901"}]}`))
	})
	mux.HandleFunc("/v1/forecast", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("daily") == "" {
			_, _ = w.Write([]byte(`{"current_weather":{"temperature":21.5}}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"current_weather":{"temperature":70.7},
			"daily":{
				"weathercode":[2,61],
				"temperature_2m_max":[75.4,68.1],
				"temperature_2m_min":[58.2,55.9],
				"precipitation_probability_max":[5,80]
			}
		}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeSettings(t *testing.T, body string) *settings.Settings {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	s, err := settings.Load(path)
	require.NoError(t, err)
	return s
}

func newHarness(t *testing.T, userSettings string) *harness {
	t.Helper()

	srv := upstream(t)
	h := &harness{
		bus:     broker.NewMemory(16),
		store:   session.NewMemoryStore(0),
		actions: &fakeActions{},
	}
	t.Cleanup(func() { h.store.Close() })

	env := skill.Env{
		Gateway:     gateway.New(h.bus, ""),
		Settings:    writeSettings(t, userSettings),
		Sessions:    h.store,
		SessionTTL:  time.Minute,
		Actions:     h.actions,
		Weather:     weather.New(srv.Client(), weather.WithBaseURLs(srv.URL, srv.URL)),
		SettingsApp: "calico-settings --tab units",
	}

	reg, err := skill.Load("", Catalog(), env)
	require.NoError(t, err)
	require.NoError(t, reg.Failures())
	h.reg = reg
	return h
}

func (h *harness) handle(t *testing.T, msg *hermes.IntentMessage) {
	t.Helper()
	s, ok := h.reg.Resolve(msg.IntentName)
	require.True(t, ok, msg.IntentName)
	require.NoError(t, s.HandleIntent(context.Background(), msg))
}

func (h *harness) notRecognized(t *testing.T, sessionID string) {
	t.Helper()
	s, ok := h.reg.Resolve("Ask_Me_Colors")
	require.True(t, ok)
	c, ok := s.(skill.Conversational)
	require.True(t, ok)
	require.NoError(t, c.HandleNotRecognized(context.Background(), &hermes.NotRecognized{SessionID: sessionID, SiteID: "default", Input: "mumble"}))
}

func (h *harness) owns(sessionID string) bool {
	s, _ := h.reg.Resolve("Ask_Me_Colors")
	return s.(skill.Conversational).Owns(context.Background(), sessionID)
}

func (h *harness) said(t *testing.T) []string {
	t.Helper()
	var res []string
	for _, d := range h.bus.PublishedOn(hermes.TopicSay) {
		var say hermes.Say
		require.NoError(t, json.Unmarshal(d.Payload, &say))
		res = append(res, say.Text)
	}
	return res
}

func (h *harness) continued(t *testing.T) []hermes.ContinueSession {
	t.Helper()
	var res []hermes.ContinueSession
	for _, d := range h.bus.PublishedOn(hermes.TopicContinueSession) {
		var cs hermes.ContinueSession
		require.NoError(t, json.Unmarshal(d.Payload, &cs))
		res = append(res, cs)
	}
	return res
}

func intent(name, sessionID string, slots map[string]string) *hermes.IntentMessage {
	return &hermes.IntentMessage{IntentName: name, SessionID: sessionID, SiteID: "default", Slots: slots}
}

func TestCatalogLoads(t *testing.T) {
	h := newHarness(t, `{}`)
	assert.Equal(t, []string{
		"Hello", "Tell_Time", "Ask_Me_Colors", "Local_Temp", "Local_Forecast", "Open_Gmail", "Open_Settings",
	}, h.reg.Intents())

	_, ok := h.reg.Resolve("Answer_Colors")
	assert.True(t, ok)
}

func TestCatalogWithoutServicesLoadsTheRest(t *testing.T) {
	store := session.NewMemoryStore(0)
	defer store.Close()

	reg, err := skill.Load("", Catalog(), skill.Env{
		Gateway:  gateway.New(broker.NewMemory(1), ""),
		Sessions: store,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hello", "Tell_Time", "Ask_Me_Colors"}, reg.Intents())
	assert.ElementsMatch(t, []string{"temperature", "forecast", "gmail", "settings"}, reg.Failed())
	assert.Error(t, reg.Failures())
}

func TestHello(t *testing.T) {
	h := newHarness(t, `{}`)
	h.handle(t, intent("Hello", "s1", nil))

	said := h.said(t)
	require.Len(t, said, 1)
	assert.Contains(t, greetings, said[0])
	assert.Len(t, h.bus.PublishedOn(hermes.TopicEndSession), 1)
}

func TestSpokenTime(t *testing.T) {
	at := func(hour, minute int) time.Time {
		return time.Date(2024, 5, 1, hour, minute, 0, 0, time.Local)
	}

	assert.Equal(t, "The time is 3 05, pee em.", spokenTime(at(15, 5), "The time is"))
	assert.Equal(t, "It is currently 12 o'clock, ae em.", spokenTime(at(0, 0), "It is currently"))
	assert.Equal(t, "The clock says it's 12 30, pee em.", spokenTime(at(12, 30), "The clock says it's"))
	assert.Equal(t, "The time is 11 59, ae em.", spokenTime(at(11, 59), "The time is"))
}

func TestClockSpeaks(t *testing.T) {
	h := newHarness(t, `{}`)
	s, _ := h.reg.Resolve("Tell_Time")
	s.(*Clock).now = func() time.Time { return time.Date(2024, 5, 1, 21, 15, 0, 0, time.Local) }

	h.handle(t, intent("Tell_Time", "s1", nil))
	said := h.said(t)
	require.Len(t, said, 1)
	assert.Contains(t, said[0], "9 15, pee em.")
}

func TestColorsConversation(t *testing.T) {
	h := newHarness(t, `{}`)

	h.handle(t, intent("Ask_Me_Colors", "s1", nil))
	cs := h.continued(t)
	require.Len(t, cs, 1)
	assert.Equal(t, "What is your favorite color?", cs[0].Text)
	assert.Equal(t, []string{"Answer_Colors"}, cs[0].IntentFilter)
	assert.True(t, cs[0].SendIntentNotRecognized)
	assert.True(t, h.owns("s1"))

	h.handle(t, intent("Answer_Colors", "s1", map[string]string{"color": "blue"}))
	said := h.said(t)
	require.Len(t, said, 1)
	assert.Equal(t, "Wow! blue is a great color. Mine is orange.", said[0])
	assert.Len(t, h.bus.PublishedOn(hermes.TopicEndSession), 1)
	assert.False(t, h.owns("s1"))
}

func TestColorsAnswerFallsBackToInput(t *testing.T) {
	h := newHarness(t, `{}`)
	h.handle(t, intent("Ask_Me_Colors", "s1", nil))

	answer := intent("Answer_Colors", "s1", nil)
	answer.Input = "green"
	h.handle(t, answer)
	assert.Equal(t, []string{"Wow! green is a great color. Mine is orange."}, h.said(t))
}

func TestColorsAnswerWithoutQuestionEndsSession(t *testing.T) {
	h := newHarness(t, `{}`)

	h.handle(t, intent("Answer_Colors", "s9", map[string]string{"color": "red"}))
	assert.Equal(t, []string{lostQuestionPrompt}, h.said(t))
	assert.Empty(t, h.continued(t))

	ends := h.bus.PublishedOn(hermes.TopicEndSession)
	require.Len(t, ends, 1)
	var end hermes.EndSession
	require.NoError(t, json.Unmarshal(ends[0].Payload, &end))
	assert.Equal(t, "s9", end.SessionID)
}

func TestColorsAnswerAfterExpiryEndsSession(t *testing.T) {
	bus := broker.NewMemory(16)
	store := session.NewMemoryStore(0)
	defer store.Close()

	reg, err := skill.Load("", Catalog(), skill.Env{Gateway: gateway.New(bus, ""), Sessions: store, SessionTTL: 20 * time.Millisecond})
	require.NoError(t, err)
	colors, ok := reg.Resolve("Answer_Colors")
	require.True(t, ok)

	require.NoError(t, colors.HandleIntent(context.Background(), intent("Ask_Me_Colors", "s1", nil)))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, colors.HandleIntent(context.Background(), intent("Answer_Colors", "s1", map[string]string{"color": "blue"})))

	require.Len(t, bus.PublishedOn(hermes.TopicSay), 1)
	assert.Len(t, bus.PublishedOn(hermes.TopicEndSession), 1)
	assert.NotContains(t, string(bus.PublishedOn(hermes.TopicSay)[0].Payload), "blue")
}

func TestColorsAskWithoutSession(t *testing.T) {
	h := newHarness(t, `{}`)

	h.handle(t, intent("Ask_Me_Colors", "", nil))
	assert.Equal(t, []string{noSessionPrompt}, h.said(t))
	assert.Empty(t, h.continued(t))
	assert.Empty(t, h.bus.PublishedOn(hermes.TopicEndSession))
	assert.Equal(t, 0, h.store.Len("colors/"))
}

func pending(t *testing.T, name string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.PendingConversations.WithLabelValues(name).Write(&m))
	return m.GetGauge().GetValue()
}

func TestPendingGaugeFollowsExpiry(t *testing.T) {
	store := session.NewMemoryStore(0)
	defer store.Close()
	WatchExpiry(store)

	reg, err := skill.Load("", Catalog(), skill.Env{Gateway: gateway.New(broker.NewMemory(16), ""), Sessions: store, SessionTTL: 20 * time.Millisecond})
	require.NoError(t, err)
	colors, ok := reg.Resolve("Ask_Me_Colors")
	require.True(t, ok)

	require.NoError(t, colors.HandleIntent(context.Background(), intent("Ask_Me_Colors", "s1", nil)))
	assert.Equal(t, float64(1), pending(t, "colors"))

	assert.Eventually(t, func() bool {
		return store.Sweep() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(0), pending(t, "colors"))
}

func TestColorsAskAgainSupersedes(t *testing.T) {
	h := newHarness(t, `{}`)

	h.handle(t, intent("Ask_Me_Colors", "s1", nil))
	h.notRecognized(t, "s1")
	h.handle(t, intent("Ask_Me_Colors", "s1", nil))
	assert.Equal(t, 1, h.store.Len("colors/"))

	h.handle(t, intent("Answer_Colors", "s1", map[string]string{"color": "teal"}))
	h.handle(t, intent("Answer_Colors", "s1", map[string]string{"color": "pink"}))
	assert.Equal(t, []string{"Wow! teal is a great color. Mine is orange.", lostQuestionPrompt}, h.said(t))
}

func TestColorsConcurrentSessions(t *testing.T) {
	h := newHarness(t, `{}`)

	h.handle(t, intent("Ask_Me_Colors", "a", nil))
	h.handle(t, intent("Ask_Me_Colors", "b", nil))
	h.handle(t, intent("Answer_Colors", "b", map[string]string{"color": "blue"}))

	assert.True(t, h.owns("a"))
	assert.False(t, h.owns("b"))
}

func TestColorsRetryLimit(t *testing.T) {
	h := newHarness(t, `{}`)
	h.handle(t, intent("Ask_Me_Colors", "s1", nil))

	for range session.MaxRetries - 1 {
		h.notRecognized(t, "s1")
	}
	cs := h.continued(t)
	require.Len(t, cs, session.MaxRetries)
	for _, c := range cs[1:] {
		assert.Equal(t, []string{"Answer_Colors"}, c.IntentFilter)
		assert.NotEqual(t, favoriteColorQuestion, c.Text)
	}
	assert.True(t, h.owns("s1"))
	assert.Empty(t, h.said(t))

	h.notRecognized(t, "s1")
	assert.Equal(t, []string{session.GiveUpPrompt}, h.said(t))
	assert.Len(t, h.bus.PublishedOn(hermes.TopicEndSession), 1)
	assert.False(t, h.owns("s1"))

	h.bus.Reset()
	h.notRecognized(t, "s1")
	assert.Empty(t, h.bus.Published())
}

func TestTemperature(t *testing.T) {
	h := newHarness(t, `{"zip_code":"90210","temp_unit":"c"}`)
	h.handle(t, intent("Local_Temp", "s1", nil))
	assert.Equal(t, []string{"It's currently 21.5 degrees Celsius in Beverly Hills, California."}, h.said(t))

	h = newHarness(t, `{"zip_code":"90210"}`)
	h.handle(t, intent("Local_Temp", "s1", nil))
	assert.Equal(t, []string{"It's currently 70.7 degrees Fahrenheit in Beverly Hills, California."}, h.said(t))
}

func TestTemperatureWithoutZip(t *testing.T) {
	h := newHarness(t, `{}`)
	h.handle(t, intent("Local_Temp", "s1", nil))
	assert.Equal(t, []string{tempUnavailable}, h.said(t))
}

func TestForecast(t *testing.T) {
	h := newHarness(t, `{"zip_code":"90210"}`)

	h.handle(t, intent("Local_Forecast", "s1", nil))
	h.handle(t, intent("Local_Forecast", "s2", map[string]string{"today_or_tomorrow": "Tomorrow"}))

	assert.Equal(t, []string{
		"For today, expect Partly cloudy. It's currently 71 degrees. The high will be 75 and the low 58. There is a low chance of precipitation.",
		"For tomorrow, expect Slight rain. The high will be 68 and the low 56. There is a maximum 80 percent chance of precipitation for the day.",
	}, h.said(t))
}

func TestForecastWithoutZip(t *testing.T) {
	h := newHarness(t, `{}`)
	h.handle(t, intent("Local_Forecast", "s1", nil))
	assert.Equal(t, []string{forecastNoZip}, h.said(t))
}

func TestFormatForecastShortData(t *testing.T) {
	_, err := formatForecast(&weather.Forecast{Days: []weather.Day{{}}}, "tomorrow")
	assert.Error(t, err)
}

func TestGmail(t *testing.T) {
	h := newHarness(t, `{}`)
	h.handle(t, intent("Open_Gmail", "s1", nil))

	assert.Equal(t, []string{gmailURL}, h.actions.opened)
	assert.Equal(t, []string{"Here is your inbox."}, h.said(t))

	h.bus.Reset()
	h.actions.err = errors.New("no browser")
	h.handle(t, intent("Open_Gmail", "s2", nil))
	assert.Equal(t, []string{"Sorry, I could not open your inbox right now."}, h.said(t))
}

func TestSettingsApp(t *testing.T) {
	h := newHarness(t, `{}`)
	h.handle(t, intent("Open_Settings", "s1", nil))

	assert.Equal(t, [][]string{{"calico-settings", "--tab", "units"}}, h.actions.spawned)
	assert.Equal(t, []string{"Opening settings."}, h.said(t))
}
