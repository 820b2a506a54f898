package health

import (
	"context"
	"os/exec"
	"time"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Check is the outcome of one dependency check.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report is the health payload.
type Report struct {
	OK       bool    `json:"ok"`
	Provider string  `json:"provider,omitempty"`
	Model    string  `json:"model,omitempty"`
	Checks   []Check `json:"checks"`
}

// Service encapsulates health-related checks.
type Service struct {
	DB        Pinger
	QuartoBin string
	Provider  string
	Model     string

	lookPath func(string) (string, error)
}

// NewService constructs a new health service. db may be nil when the run log is in memory.
func NewService(db Pinger, quartoBin, provider, model string) *Service {
	return &Service{DB: db, QuartoBin: quartoBin, Provider: provider, Model: model, lookPath: exec.LookPath}
}

// Status checks the database and the render tool.
func (s *Service) Status(ctx context.Context) Report {
	r := Report{OK: true, Provider: s.Provider, Model: s.Model}

	if s.DB != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.DB.PingContext(pingCtx)
		cancel()
		c := Check{Name: "database", OK: err == nil}
		if err != nil {
			c.Detail = "unreachable"
		}
		r.Checks = append(r.Checks, c)
	}

	lookPath := s.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if s.QuartoBin != "" {
		_, err := lookPath(s.QuartoBin)
		c := Check{Name: "quarto", OK: err == nil}
		if err != nil {
			c.Detail = "binary not found"
		}
		r.Checks = append(r.Checks, c)
	}

	for _, c := range r.Checks {
		if !c.OK {
			r.OK = false
		}
	}
	return r
}
