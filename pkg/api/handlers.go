package api

import (
	"errors"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"bullywork/pkg/api/middleware"
	"bullywork/pkg/models"
	"bullywork/pkg/storage"
)

type hostStats struct {
	Hostname   string  `json:"hostname"`
	CPUs       int     `json:"cpus"`
	TotalMemMB uint64  `json:"total_mem_mb"`
	UsedMemPct float64 `json:"used_mem_percent"`
	Goroutines int     `json:"goroutines"`
	UptimeSecs int64   `json:"uptime_seconds"`
}

// getProcess handles GET /api/v1/process
func (s *Server) getProcess(c *gin.Context) {
	self := s.node.Self()
	st := s.node.State()

	host := hostStats{
		CPUs:       runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		UptimeSecs: int64(time.Since(s.started).Seconds()),
	}
	host.Hostname, _ = os.Hostname()
	if v, err := mem.VirtualMemoryWithContext(c.Request.Context()); err == nil {
		host.TotalMemMB = v.Total / 1024 / 1024
		host.UsedMemPct = v.UsedPercent
	} else {
		s.log.Debug("Memory stats unavailable", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"id":          self.ID,
		"binding":     self.Binding,
		"role":        st.Role.String(),
		"round":       st.Round,
		"coordinator": st.Coordinator,
		"host":        host,
	})
}

// listNodes handles GET /api/v1/cluster/nodes
func (s *Server) listNodes(c *gin.Context) {
	nodes, err := s.node.Peers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list processes: " + err.Error()})
		return
	}
	if nodes == nil {
		nodes = []models.ProcessRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// getCoordinator handles GET /api/v1/cluster/coordinator
func (s *Server) getCoordinator(c *gin.Context) {
	st := s.node.State()
	if st.Coordinator == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "no coordinator known",
			"role":  st.Role.String(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"coordinator": st.Coordinator,
		"self":        st.Coordinator.ID == s.node.Self().ID,
		"round":       st.Round,
	})
}

// getWork handles GET /api/v1/work. Only the coordinator holds a ledger.
func (s *Server) getWork(c *gin.Context) {
	status, ok := s.node.Work()
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "this process does not coordinate"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// getResult handles GET /api/v1/results/:key
func (s *Server) getResult(c *gin.Context) {
	key := c.Param("key")
	if err := middleware.ValidateKey(key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err})
		return
	}

	raw, err := s.store.Get(c.Request.Context(), s.results.Bucket, s.results.Key(key))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no result for " + key})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read result: " + err.Error()})
		return
	}

	distance, err := strconv.Atoi(string(raw))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stored result is not a number"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "distance": distance})
}
