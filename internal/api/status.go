package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const probeTimeout = 5 * time.Second

// StatusResponse reports the configured engine and collaborator health.
type StatusResponse struct {
	Status        string                  `json:"status"`
	Engine        string                  `json:"engine"`
	Collaborators map[string]ProbeOutcome `json:"collaborators"`
}

// ProbeOutcome is the result of one collaborator probe.
type ProbeOutcome struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// getStatus probes every collaborator concurrently. The endpoint itself
// always answers 200; status is "degraded" when a probe fails.
// GET /api/status
func (s *Server) getStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]ProbeOutcome, len(s.probes))
	)
	for _, p := range s.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			res := ProbeOutcome{OK: true}
			if err := p.Check(ctx); err != nil {
				res = ProbeOutcome{Error: err.Error()}
			}
			mu.Lock()
			out[p.Name] = res
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	status := "ok"
	for _, res := range out {
		if !res.OK {
			status = "degraded"
			break
		}
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status:        status,
		Engine:        s.engineKind,
		Collaborators: out,
	})
}
