package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/morezero/directive-core/pkg/directive"
)

const httpLogPrefix = "server:http"

// HealthChecks reports the individual checks behind /health.
type HealthChecks struct {
	Comms   bool  `json:"comms"`
	Journal *bool `json:"journal,omitempty"`
}

// HealthOutput is the /health response.
type HealthOutput struct {
	Status     string       `json:"status"`
	Connection string       `json:"connection"`
	Reason     string       `json:"reason,omitempty"`
	Checks     HealthChecks `json:"checks"`
	Namespaces []string     `json:"namespaces"`
	InFlight   int          `json:"inFlight"`
	Timestamp  string       `json:"timestamp"`
}

// Health evaluates the comms connection and, when enabled, the journal database.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	status, reason := s.tracker.Status()
	out := &HealthOutput{
		Connection: status.String(),
		Reason:     reason,
		Checks:     HealthChecks{Comms: s.tracker.Connected()},
		Namespaces: s.dispatcher.Namespaces(),
		InFlight:   len(s.dispatcher.InFlight()),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	healthy := out.Checks.Comms
	if s.journal != nil {
		_, err := s.journal.Counts(ctx)
		ok := err == nil
		if !ok {
			slog.Warn(fmt.Sprintf("%s - journal health check failed: %v", httpLogPrefix, err))
		}
		out.Checks.Journal = &ok
		healthy = healthy && ok
	}
	if healthy {
		out.Status = "healthy"
	} else {
		out.Status = "unhealthy"
	}
	return out
}

// Handler returns the HTTP mux: status page, /health, /ready, /directives.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/directives", s.handleDirectives)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.Health(ctx)
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}

// handleReady reports ready once subscriptions are active.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (s *Server) handleDirectives(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	inFlight := s.dispatcher.InFlight()
	if inFlight == nil {
		inFlight = []directive.RecordInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"dialogRequestId": s.dispatcher.DialogRequestID(),
		"directives":      inFlight,
	})
}

// homePageTemplate is the HTML for the device status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Directive Core</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Directive Core</h1>
  <p class="meta">Connection, capability agents, and in-flight directives.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Connection: <span class="stat">{{.Health.Connection}}</span>{{if .Health.Reason}} ({{.Health.Reason}}){{end}}</p>
    <p>Dialog request: {{if .DialogRequestID}}<span class="stat">{{.DialogRequestID}}</span>{{else}}none{{end}}</p>
    <p>Pending attachments: <span class="stat">{{.Attachments}}</span></p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Capabilities</h2>
    {{if not .Health.Namespaces}}
    <p>No capability agents registered.</p>
    {{else}}
    <p>{{range .Health.Namespaces}}<span class="stat">{{.}}</span> {{end}}</p>
    {{end}}
  </section>

  <section>
    <h2>In-flight directives</h2>
    {{if not .InFlight}}
    <p>No directives in flight.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Message id</th><th>Namespace</th><th>Name</th><th>Dialog request</th><th>State</th></tr>
      </thead>
      <tbody>
        {{range .InFlight}}
        <tr>
          <td>{{.MessageID}}</td>
          <td>{{.Namespace}}</td>
          <td>{{.Name}}</td>
          <td>{{.DialogRequestID}}</td>
          <td>{{.State}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  {{if .JournalEnabled}}
  <section>
    <h2>Journal</h2>
    {{if .JournalError}}
    <p class="error">Could not load journal counts: {{.JournalError}}</p>
    {{else}}
    <table>
      <thead><tr><th>Status</th><th>Outcomes</th></tr></thead>
      <tbody>
        {{range $status, $n := .Counts}}
        <tr><td>{{$status}}</td><td>{{$n}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
  {{end}}
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Health          *HealthOutput
	DialogRequestID string
	Attachments     int
	InFlight        []directive.RecordInfo
	JournalEnabled  bool
	Counts          map[string]int
	JournalError    string
}

// handleHome returns an HTTP handler for the status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{
			Health:          s.Health(ctx),
			DialogRequestID: s.dispatcher.DialogRequestID(),
			Attachments:     s.store.Len(),
			InFlight:        s.dispatcher.InFlight(),
			JournalEnabled:  s.journal != nil,
		}
		if s.journal != nil {
			counts, err := s.journal.Counts(ctx)
			if err != nil {
				data.JournalError = err.Error()
			} else {
				data.Counts = counts
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", httpLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
