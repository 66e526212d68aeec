// Package providertest runs an in-process fake of the identity
// provider and the school-tenant API, implementing the documented
// challenge sequence end to end: redirect chain, rotating auth code,
// anti-forgery cookie, tenant search, the three ordered challenges,
// implicit-flow token redirects, discovery document and the data
// endpoints. Tests point a client at it via Config.
package providertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/h3ll0u/go-magister/config"
)

// Default fixture identities.
const (
	DefaultSchool   = "Example School"
	DefaultTenantID = "tenant-0042"
	DefaultUsername = "alice"
	DefaultPassword = "correct-pw"
	DefaultAccount  = "7312"
	DefaultPerson   = "9841"
)

// School is one tenant known to the fake provider.
type School struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type flow struct {
	returnURL     string
	xsrf          string
	username      string
	tenantSet     bool
	usernameSet   bool
	authenticated bool
}

// Provider is the fake. Fixture fields may be replaced before the
// first request.
type Provider struct {
	Server *httptest.Server

	// AuthCode is the rotating code embedded in the startup script.
	AuthCode string

	// DataStatus, when non-zero, is returned by every data endpoint in
	// place of 200.
	DataStatus int

	// RootDelay stalls the root page, to let tests overlap operations.
	RootDelay time.Duration

	// Canned data served by the tenant API.
	Appointments []map[string]any
	Changes      []map[string]any
	Grades       []map[string]any

	mu      sync.Mutex
	schools []School
	users   map[string][]byte
	flows   map[string]*flow
	key     []byte
}

// New starts a fake provider pre-seeded with the default school, the
// default user and a small set of schedule and grade fixtures.
func New() *Provider {
	p := &Provider{
		AuthCode: "4fa2be91c0",
		schools:  []School{{ID: DefaultTenantID, Name: DefaultSchool}},
		users:    map[string][]byte{},
		flows:    map[string]*flow{},
		key:      []byte(uuid.NewString()),
		Appointments: []map[string]any{
			{
				"Id":           101.0,
				"Links":        []any{map[string]any{"Rel": "self"}},
				"Start":        "2024-11-04T09:00:00Z",
				"Einde":        "2024-11-04T09:50:00Z",
				"Omschrijving": "Wiskunde",
				"Lokatie":      "B2.04",
				"Status":       float64(1),
			},
			{
				"Id":           102.0,
				"Links":        []any{map[string]any{"Rel": "self"}},
				"Start":        "2024-11-04T10:00:00Z",
				"Einde":        "2024-11-04T10:50:00Z",
				"Omschrijving": "Nederlands",
				"Lokatie":      "A1.17",
				"Status":       float64(1),
			},
		},
		Changes: []map[string]any{
			{
				"Id":           205.0,
				"Links":        []any{map[string]any{"Rel": "self"}},
				"Start":        "2024-11-05T12:00:00Z",
				"Einde":        "2024-11-05T12:50:00Z",
				"Omschrijving": "Uitval: Engels",
			},
		},
		Grades: []map[string]any{
			{
				"kolomId":      9001.0,
				"omschrijving": "Hoofdstuk 3",
				"waarde":       "7.8",
				"vak":          map[string]any{"code": "wis", "omschrijving": "Wiskunde"},
			},
			{
				"kolomId":      9000.0,
				"omschrijving": "Boekverslag",
				"waarde":       "6.5",
				"vak":          map[string]any{"code": "nl", "omschrijving": "Nederlands"},
			},
		},
	}
	p.AddUser(DefaultUsername, DefaultPassword)
	p.Server = httptest.NewServer(p.routes())
	return p
}

// Close shuts the fake down.
func (p *Provider) Close() {
	p.Server.Close()
}

// Config returns a client configuration pointed at the fake.
func (p *Provider) Config() config.Config {
	cfg := config.Default()
	cfg.AccountsURL = p.Server.URL
	cfg.DiscoveryURL = p.Server.URL + "/.well-known/host-meta.json"
	cfg.Timeout = 5 * time.Second
	return cfg
}

// AddSchool registers an extra tenant and returns its id.
func (p *Provider) AddSchool(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("tenant-%04d", len(p.schools)+42)
	p.schools = append(p.schools, School{ID: id, Name: name})
	return id
}

// AddUser registers a username/password pair.
func (p *Provider) AddUser(username, password string) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[username] = hash
}

func (p *Provider) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleRoot)
	mux.HandleFunc("/connect/authorize", p.handleAuthorize)
	mux.HandleFunc("/login-hop", p.handleHop)
	mux.HandleFunc("/account/login", p.handleLoginPage)
	mux.HandleFunc("/account/startup", p.handleStartup)
	mux.HandleFunc("/challenges/tenant/search", p.handleTenantSearch)
	mux.HandleFunc("/challenges/tenant", p.handleChallenge("tenant"))
	mux.HandleFunc("/challenges/username", p.handleChallenge("username"))
	mux.HandleFunc("/challenges/password", p.handleChallenge("password"))
	mux.HandleFunc("/.well-known/host-meta.json", p.handleDiscovery)
	mux.HandleFunc("/api/sessions/current", p.handleCurrentSession)
	mux.HandleFunc("/api/accounts/"+DefaultAccount, p.handleAccount)
	mux.HandleFunc("/api/personen/"+DefaultPerson+"/afspraken", p.handleAppointments)
	mux.HandleFunc("/api/personen/"+DefaultPerson+"/roosterwijzigingen", p.handleChanges)
	mux.HandleFunc("/api/personen/"+DefaultPerson+"/cijfers/laatste", p.handleGrades)
	return mux
}

func (p *Provider) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if p.RootDelay > 0 {
		time.Sleep(p.RootDelay)
	}
	http.SetCookie(w, &http.Cookie{Name: "idsrv.session", Value: uuid.NewString(), Path: "/"})
	w.WriteHeader(http.StatusOK)
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if c, err := r.Cookie("idsrv.auth"); err == nil {
		p.mu.Lock()
		f := p.flows[c.Value]
		p.mu.Unlock()
		if f != nil && f.authenticated {
			token := p.mintToken(q.Get("client_id"))
			fragment := url.Values{}
			fragment.Set("access_token", token)
			fragment.Set("token_type", "Bearer")
			fragment.Set("expires_in", "3600")
			fragment.Set("state", q.Get("state"))
			w.Header().Set("Location", q.Get("redirect_uri")+"#"+fragment.Encode())
			w.WriteHeader(http.StatusFound)
			return
		}
	}

	sessionID := uuid.NewString()
	returnURL := "/connect/authorize/callback?X-Correlation-ID=" + uuid.NewString()
	p.mu.Lock()
	p.flows[sessionID] = &flow{returnURL: returnURL}
	p.mu.Unlock()

	hop := url.Values{}
	hop.Set("sessionId", sessionID)
	hop.Set("returnUrl", returnURL)
	w.Header().Set("Location", "/login-hop?"+hop.Encode())
	w.WriteHeader(http.StatusFound)
}

func (p *Provider) handleHop(w http.ResponseWriter, r *http.Request) {
	// Relative Location on purpose: the real provider mixes absolute
	// and relative redirects and clients must resolve both.
	w.Header().Set("Location", "account/login?"+r.URL.RawQuery)
	w.WriteHeader(http.StatusFound)
}

func (p *Provider) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	p.mu.Lock()
	f := p.flows[sessionID]
	var xsrf string
	if f != nil {
		if f.xsrf == "" {
			f.xsrf = uuid.NewString()
		}
		xsrf = f.xsrf
	}
	p.mu.Unlock()
	if f == nil {
		http.Error(w, "unknown session", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "XSRF-TOKEN", Value: xsrf, Path: "/"})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><body><script>window.location.replace("/account/startup?sessionId=%s");</script></body></html>`, sessionID)
}

func (p *Provider) handleStartup(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><body><script>var appConfig = {authCode:"%s", locale:"nl"};</script></body></html>`, p.AuthCode)
}

func (p *Provider) handleTenantSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p.mu.Lock()
	_, known := p.flows[q.Get("sessionId")]
	var matches []School
	for _, s := range p.schools {
		if strings.Contains(strings.ToLower(s.Name), strings.ToLower(q.Get("key"))) {
			matches = append(matches, s)
		}
	}
	p.mu.Unlock()
	if !known {
		http.Error(w, "unknown session", http.StatusBadRequest)
		return
	}
	if matches == nil {
		matches = []School{}
	}
	writeJSON(w, matches)
}

type challengeBody struct {
	SessionID string `json:"sessionId"`
	ReturnURL string `json:"returnUrl"`
	AuthCode  string `json:"authCode"`
	Tenant    string `json:"tenant"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

func (p *Provider) handleChallenge(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body challengeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		f := p.flows[body.SessionID]
		switch {
		case f == nil,
			body.ReturnURL != f.returnURL,
			body.AuthCode != p.AuthCode,
			r.Header.Get("X-XSRF-TOKEN") != f.xsrf:
			http.Error(w, "challenge rejected", http.StatusBadRequest)
			return
		}

		switch kind {
		case "tenant":
			if !p.knownTenant(body.Tenant) {
				http.Error(w, "unknown tenant", http.StatusBadRequest)
				return
			}
			f.tenantSet = true
		case "username":
			if !f.tenantSet {
				http.Error(w, "tenant challenge first", http.StatusBadRequest)
				return
			}
			if _, ok := p.users[body.Username]; !ok {
				http.Error(w, "unknown username", http.StatusBadRequest)
				return
			}
			f.usernameSet = true
			f.username = body.Username
		case "password":
			if !f.usernameSet {
				http.Error(w, "username challenge first", http.StatusBadRequest)
				return
			}
			hash := p.users[f.username]
			if bcrypt.CompareHashAndPassword(hash, []byte(body.Password)) != nil {
				http.Error(w, "incorrect password", http.StatusBadRequest)
				return
			}
			f.authenticated = true
			http.SetCookie(w, &http.Cookie{Name: "idsrv.auth", Value: body.SessionID, Path: "/"})
		}
		writeJSON(w, map[string]any{"redirectURL": nil})
	}
}

func (p *Provider) knownTenant(id string) bool {
	for _, s := range p.schools {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if !p.bearerOK(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{
		"links": []map[string]any{{"href": p.Server.URL + "/api"}},
	})
}

func (p *Provider) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	if !p.bearerOK(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{
		"links": map[string]any{
			"account": map[string]any{"href": "/api/accounts/" + DefaultAccount},
		},
	})
}

func (p *Provider) handleAccount(w http.ResponseWriter, r *http.Request) {
	if !p.bearerOK(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{
		"links": map[string]any{
			"leerling": map[string]any{"href": "/api/personen/" + DefaultPerson},
		},
	})
}

func (p *Provider) handleAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !p.bearerOK(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if p.DataStatus != 0 {
		http.Error(w, "forced failure", p.DataStatus)
		return
	}
	if q.Get("status") != "1" || q.Get("van") == "" || q.Get("tot") == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"Items": p.Appointments})
}

func (p *Provider) handleChanges(w http.ResponseWriter, r *http.Request) {
	if !p.bearerOK(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if p.DataStatus != 0 {
		http.Error(w, "forced failure", p.DataStatus)
		return
	}
	// The real endpoint ignores the date range; so does the fake.
	writeJSON(w, map[string]any{"Items": p.Changes})
}

func (p *Provider) handleGrades(w http.ResponseWriter, r *http.Request) {
	if !p.bearerOK(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if p.DataStatus != 0 {
		http.Error(w, "forced failure", p.DataStatus)
		return
	}
	q := r.URL.Query()
	top, _ := strconv.Atoi(q.Get("top"))
	skip, _ := strconv.Atoi(q.Get("skip"))
	if top <= 0 {
		top = len(p.Grades)
	}
	if skip < 0 {
		skip = 0
	}
	items := p.Grades
	if skip < len(items) {
		items = items[skip:]
	} else {
		items = nil
	}
	if top < len(items) {
		items = items[:top]
	}
	if items == nil {
		items = []map[string]any{}
	}
	writeJSON(w, map[string]any{"items": items})
}

func (p *Provider) mintToken(clientID string) string {
	claims := jwt.MapClaims{
		"sub":       DefaultAccount,
		"client_id": clientID,
		"iat":       time.Now().Unix(),
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.key)
	if err != nil {
		panic(err)
	}
	return token
}

// bearerOK verifies the bearer token the fake itself minted.
func (p *Provider) bearerOK(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		return false
	}
	_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return p.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err == nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
