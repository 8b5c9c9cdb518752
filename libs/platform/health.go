package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/outbox"
)

const checkTimeout = 2 * time.Second

// Check is a named dependency check run by /readyz.
type Check struct {
	Name  string
	Check func(context.Context) error
}

type checkResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type readiness struct {
	Ready  bool          `json:"ready"`
	Checks []checkResult `json:"checks"`
}

func registerHealth(mux *http.ServeMux, checks []Check) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		rep := runChecks(r.Context(), checks)
		code := http.StatusOK
		if !rep.Ready {
			code = http.StatusServiceUnavailable
		}
		WriteJSON(w, code, rep)
	})
}

func runChecks(ctx context.Context, checks []Check) readiness {
	rep := readiness{Ready: true, Checks: make([]checkResult, 0, len(checks))}
	for _, c := range checks {
		if c.Check == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()
		res := checkResult{Name: c.Name, OK: err == nil}
		if err != nil {
			res.Error = err.Error()
			rep.Ready = false
		}
		rep.Checks = append(rep.Checks, res)
	}
	return rep
}

// outboxCheck fails when the backlog cannot be read, or when stallAfter is
// set and the oldest pending message has waited longer than that.
func outboxCheck(relay *outbox.Relay, stallAfter time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		b, err := relay.Backlog(ctx)
		if err != nil {
			return err
		}
		if stallAfter > 0 && b.OldestAge > stallAfter {
			return fmt.Errorf("%d pending, oldest waiting %s", b.Pending, b.OldestAge.Round(time.Second))
		}
		return nil
	}
}
