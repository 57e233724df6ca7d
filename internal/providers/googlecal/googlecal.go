// Package googlecal implements the Google Calendar provider. It is
// multi-instance: each connected Google account gets its own instance id,
// OAuth token, and calendar set.
package googlecal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/meridian-hq/meridian/internal/core"
	"github.com/meridian-hq/meridian/internal/oauth"
	"github.com/meridian-hq/meridian/internal/provider"
)

const (
	providerID   = "google_calendar"
	callbackPort = 8765

	// defaultWindow is the lookahead used when a sync has no since cursor.
	defaultWindow = 30 * 24 * time.Hour
)

// Config for the Google Calendar provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Provider implements the multi-instance Google Calendar connector.
type Provider struct {
	oauth   *oauth.Client
	secrets provider.Secrets
	now     func() time.Time

	mu       sync.RWMutex
	accounts map[string]*account // by instance id
}

type account struct {
	token *oauth2.Token
	email string
}

// New creates the Google Calendar provider.
func New(cfg Config, secrets provider.Secrets) *Provider {
	return &Provider{
		oauth: oauth.NewClient(oauth.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				calendar.CalendarReadonlyScope,
				calendar.CalendarEventsReadonlyScope,
			},
			Endpoint: google.Endpoint,
		}),
		secrets:  secrets,
		now:      time.Now,
		accounts: make(map[string]*account),
	}
}

func (p *Provider) Info() provider.Info {
	return provider.Info{
		ID:            providerID,
		Name:          "Google Calendar",
		Icon:          "calendar",
		AuthType:      core.AuthOAuth2,
		Domains:       []core.Domain{core.DomainWork, core.DomainPersonal, core.DomainFamily},
		Capabilities:  []core.SignalType{core.SignalEvent},
		MultiInstance: true,
		Schedule: provider.SyncSchedule{
			Mode:             provider.ScheduleSmart,
			ActiveHours:      provider.HourRange{Start: 6, End: 22},
			ActiveInterval:   15 * time.Minute,
			InactiveInterval: time.Hour,
			SyncOnConnect:    true,
			SyncOnWake:       true,
		},
	}
}

func tokenSecret(instanceID string) string {
	return providerID + ":" + instanceID + "_token"
}

// IsConnected reports whether any account holds credentials.
func (p *Provider) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts) > 0
}

// Instances lists the instance ids currently holding credentials.
func (p *Provider) Instances() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.accounts))
	for id := range p.accounts {
		out = append(out, id)
	}
	return out
}

// Connect authenticates the default account. Multi-instance callers should
// use ConnectInstance.
func (p *Provider) Connect(ctx context.Context) error {
	_, err := p.ConnectInstance(ctx, "default")
	return err
}

// ConnectInstance runs the OAuth browser flow for a new account, persists
// the token under the instance key, and reports the account identity.
// Nothing is persisted when any step fails.
func (p *Provider) ConnectInstance(ctx context.Context, instanceID string) (*provider.AccountInfo, error) {
	if !p.oauth.IsConfigured() {
		return nil, fmt.Errorf("google calendar: missing GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET: %w", core.ErrNotConfigured)
	}

	token, err := p.oauth.StartFlow(ctx, providerID, callbackPort)
	if err != nil {
		return nil, fmt.Errorf("google calendar: %w", err)
	}

	email, err := p.primaryEmail(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("google calendar: verify connection: %w", err)
	}

	blob, err := oauth.TokenToJSON(token)
	if err != nil {
		return nil, fmt.Errorf("google calendar: serialize token: %w", err)
	}
	if err := p.secrets.SetSecret(tokenSecret(instanceID), string(blob)); err != nil {
		return nil, fmt.Errorf("google calendar: store token: %w", err)
	}

	p.mu.Lock()
	p.accounts[instanceID] = &account{token: token, email: email}
	p.mu.Unlock()

	return &provider.AccountInfo{ID: email, Label: email}, nil
}

// Disconnect clears the default account.
func (p *Provider) Disconnect(ctx context.Context) error {
	return p.DisconnectInstance(ctx, "default")
}

// DisconnectInstance clears one account's credentials. Idempotent.
func (p *Provider) DisconnectInstance(ctx context.Context, instanceID string) error {
	if err := p.secrets.DeleteSecret(tokenSecret(instanceID)); err != nil {
		return fmt.Errorf("google calendar: clear token: %w", err)
	}

	p.mu.Lock()
	delete(p.accounts, instanceID)
	p.mu.Unlock()
	return nil
}

// Sync syncs the default account.
func (p *Provider) Sync(ctx context.Context, since *time.Time) ([]core.Signal, error) {
	return p.SyncInstance(ctx, "default", since)
}

// SyncInstance fetches upcoming events for one account and converts them
// into event signals. The event id is the natural key, so re-syncing an
// unchanged event supersedes rather than duplicates.
func (p *Provider) SyncInstance(ctx context.Context, instanceID string, since *time.Time) ([]core.Signal, error) {
	acct, err := p.loadAccount(instanceID)
	if err != nil {
		return nil, err
	}

	svc, err := calendar.NewService(ctx,
		option.WithHTTPClient(p.oauth.HTTPClient(ctx, acct.token)))
	if err != nil {
		return nil, fmt.Errorf("google calendar: create service: %w", err)
	}

	now := p.now()
	end := now.Add(defaultWindow)

	call := svc.Events.List("primary").
		Context(ctx).
		TimeMin(now.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime")
	if since != nil {
		call = call.UpdatedMin(since.Format(time.RFC3339))
	}

	events, err := call.Do()
	if err != nil {
		if isAuthError(err) {
			return nil, fmt.Errorf("google calendar: %w", core.ErrAuthExpired)
		}
		return nil, fmt.Errorf("google calendar: list events: %w", err)
	}

	var signals []core.Signal
	for _, ev := range events.Items {
		if ev.Status == "cancelled" {
			continue
		}
		sig, ok := eventToSignal(ev, acct.email)
		if ok {
			signals = append(signals, sig)
		}
	}
	return signals, nil
}

// RefreshAuth refreshes one account's token and re-persists it.
func (p *Provider) RefreshAuth(ctx context.Context, instanceID string) error {
	acct, err := p.loadAccount(instanceID)
	if err != nil {
		return err
	}

	token, err := p.oauth.Refresh(ctx, acct.token)
	if err != nil {
		return fmt.Errorf("google calendar: refresh token: %w", err)
	}

	blob, err := oauth.TokenToJSON(token)
	if err != nil {
		return fmt.Errorf("google calendar: serialize token: %w", err)
	}
	if err := p.secrets.SetSecret(tokenSecret(instanceID), string(blob)); err != nil {
		return fmt.Errorf("google calendar: store token: %w", err)
	}

	p.mu.Lock()
	acct.token = token
	p.mu.Unlock()
	return nil
}

// loadAccount returns the in-memory account, falling back to the persisted
// token after a restart.
func (p *Provider) loadAccount(instanceID string) (*account, error) {
	p.mu.RLock()
	acct, ok := p.accounts[instanceID]
	p.mu.RUnlock()
	if ok {
		return acct, nil
	}

	blob, err := p.secrets.GetSecret(tokenSecret(instanceID))
	if err != nil {
		return nil, fmt.Errorf("google calendar instance %s: %w", instanceID, core.ErrNotConnected)
	}
	token, err := oauth.TokenFromJSON([]byte(blob))
	if err != nil {
		return nil, fmt.Errorf("google calendar: parse stored token: %w", err)
	}

	acct = &account{token: token}
	p.mu.Lock()
	p.accounts[instanceID] = acct
	p.mu.Unlock()
	return acct, nil
}

// primaryEmail lists the account's calendars and returns the primary one's
// id, which doubles as the account email.
func (p *Provider) primaryEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	svc, err := calendar.NewService(ctx,
		option.WithHTTPClient(p.oauth.HTTPClient(ctx, token)))
	if err != nil {
		return "", err
	}

	list, err := svc.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return "", err
	}
	for _, cal := range list.Items {
		if cal.Primary {
			return cal.Id, nil
		}
	}
	return "", fmt.Errorf("no primary calendar")
}

// eventToSignal converts one API event into an event signal. All-day
// events carry a date only; timed events carry RFC3339 datetimes.
func eventToSignal(ev *calendar.Event, accountEmail string) (core.Signal, bool) {
	start, allDay, ok := eventStart(ev)
	if !ok {
		return core.Signal{}, false
	}

	attendees := make([]string, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		attendees = append(attendees, a.Email)
	}

	data := map[string]any{
		"title":    ev.Summary,
		"location": ev.Location,
		"all_day":  allDay,
		"account":  accountEmail,
		"link":     ev.HtmlLink,
	}
	if len(attendees) > 0 {
		data["attendees"] = attendees
	}
	if ev.End != nil && ev.End.DateTime != "" {
		if end, err := time.Parse(time.RFC3339, ev.End.DateTime); err == nil {
			data["end"] = end.Format(time.RFC3339)
		}
	}

	return core.Signal{
		ID:        core.SignalID(providerID, core.SignalEvent, ev.Id),
		Source:    providerID,
		Type:      core.SignalEvent,
		Timestamp: start,
		Domain:    guessDomain(ev),
		Data:      data,
	}, true
}

func eventStart(ev *calendar.Event) (time.Time, bool, bool) {
	if ev.Start == nil {
		return time.Time{}, false, false
	}
	if ev.Start.DateTime != "" {
		t, err := time.Parse(time.RFC3339, ev.Start.DateTime)
		return t, false, err == nil
	}
	if ev.Start.Date != "" {
		t, err := time.Parse("2006-01-02", ev.Start.Date)
		return t, true, err == nil
	}
	return time.Time{}, false, false
}

// guessDomain classifies an event by cheap keyword heuristics. The chat
// layer can always reclassify; this just gives read views a default.
func guessDomain(ev *calendar.Event) core.Domain {
	title := strings.ToLower(ev.Summary)
	switch {
	case strings.Contains(title, "standup"),
		strings.Contains(title, "1:1"),
		strings.Contains(title, "review"),
		strings.Contains(title, "interview"):
		return core.DomainWork
	case strings.Contains(title, "gym"),
		strings.Contains(title, "run"),
		strings.Contains(title, "training"):
		return core.DomainSport
	case strings.Contains(title, "doctor"),
		strings.Contains(title, "dentist"),
		strings.Contains(title, "therapy"):
		return core.DomainHealth
	default:
		return core.DomainPersonal
	}
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "Invalid Credentials")
}
