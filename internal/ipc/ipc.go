// Package ipc is the default concrete adapter for the "front-end IPC
// surface" collaborator named in spec.md §1: a gin-based HTTP+JSON API in
// the style of the teacher's cmd/driver/hasher-host (gin.New() +
// gin.Recovery(), a versioned route group, graceful shutdown driven by the
// caller). A production UI can replace this entirely without touching the
// device transport/telemetry plane.
package ipc

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"telemetryd/internal/broadcast"
	"telemetryd/internal/devices"
	"telemetryd/internal/hostcheck"
	"telemetryd/internal/persistence"
	"telemetryd/internal/primary"
	"telemetryd/internal/reading"
	"telemetryd/internal/watchdog"
)

// Server owns the gin engine and the readings ring buffer. It sits
// downstream of the primary-sensor ingress task (component L), the way
// spec.md §2's dependency flow places the IPC surface downstream of L's
// dominance filter and upstream of the trainer control planes (H): it
// never sees dominated readings, and it is fed by Consume rather than
// subscribing to the raw broadcast itself.
type Server struct {
	engine *gin.Engine

	mgr       *devices.Manager
	primaries *primary.Registry
	watchdog  *watchdog.Watchdog
	store     persistence.Store
	checker   hostcheck.PrerequisiteChecker
	hub       *broadcast.Hub

	udevRulesSource string

	ring   *cursorRing
	events *eventRing
}

// New wires a Server to its collaborators. Call Consume for every reading
// that survives the primary-sensor dominance filter, and Run to serve.
// udevRulesSource is the rules file the host-fix endpoint installs; hub is
// where acknowledged trainer commands are observed.
func New(mgr *devices.Manager, primaries *primary.Registry, wd *watchdog.Watchdog, store persistence.Store, checker hostcheck.PrerequisiteChecker, hub *broadcast.Hub, udevRulesSource string) *Server {
	s := &Server{
		mgr:             mgr,
		primaries:       primaries,
		watchdog:        wd,
		store:           store,
		checker:         checker,
		hub:             hub,
		udevRulesSource: udevRulesSource,
		ring:            newCursorRing(256),
		events:          newEventRing(256),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api/v1")
	{
		api.GET("/devices", s.handleDevices)
		api.POST("/scan", s.handleScan)
		api.GET("/readings", s.handleReadings)
		api.GET("/events", s.handleEvents)
		api.POST("/devices/:id/primary", s.handleSetPrimary)
		api.POST("/devices/:id/trainer/target-power", s.handleTargetPower)
		api.GET("/health", s.handleHealth)
		api.POST("/host/fix", s.handleHostFix)
		api.GET("/metrics", s.handleMetrics)
	}
	s.engine = r
	return s
}

// Consume hands a non-dominated reading to the readings ring buffer; wire
// this as the sink of a primary.Ingress.
func (s *Server) Consume(r reading.Reading) { s.ring.push(r) }

// ConsumeEvent records a device lifecycle event; wire this as the
// watchdog's OnEvent callback.
func (s *Server) ConsumeEvent(e watchdog.Event) { s.events.push(e) }

// Run serves on addr until the context is canceled, then shuts down the
// HTTP server gracefully within a 5s bound.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func writeError(c *gin.Context, err error) {
	status, body := errorKind(err)
	c.JSON(status, body)
}

func (s *Server) handleDevices(c *gin.Context) {
	known, err := s.store.ListKnownDevices(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	merged := make(map[string]reading.DeviceInfo, len(known))
	for _, d := range known {
		merged[d.ID] = d
	}
	for id, d := range s.mgr.Connected() {
		merged[id] = d
	}
	out := make([]reading.DeviceInfo, 0, len(merged))
	for _, d := range merged {
		out = append(out, d)
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

// handleScan triggers a unified scan across both transports and returns the
// merged device set alongside the advisory host-prerequisite snapshot; a
// degraded host check is reported but never fails the request.
func (s *Server) handleScan(c *gin.Context) {
	devices, diag, err := s.mgr.Scan(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]reading.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, d)
	}
	c.JSON(http.StatusOK, gin.H{"devices": out, "host": diag.Host, "host_error": diag.HostError})
}

func (s *Server) handleReadings(c *gin.Context) {
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	readings, cursor := s.ring.since(since)
	c.JSON(http.StatusOK, gin.H{"readings": readings, "cursor": cursor})
}

func (s *Server) handleEvents(c *gin.Context) {
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	events, cursor := s.events.since(since)
	c.JSON(http.StatusOK, gin.H{"events": events, "cursor": cursor})
}

type setPrimaryRequest struct {
	DeviceType reading.DeviceType `json:"device_type"`
}

func (s *Server) handleSetPrimary(c *gin.Context) {
	id := c.Param("id")
	var req setPrimaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError{Code: "serialization_error", Message: err.Error()})
		return
	}
	s.primaries.Set(req.DeviceType, id)
	c.JSON(http.StatusOK, gin.H{"device_type": req.DeviceType.String(), "primary": id})
}

type targetPowerRequest struct {
	Watts int16 `json:"watts"`
}

func (s *Server) handleTargetPower(c *gin.Context) {
	id := c.Param("id")
	var req targetPowerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError{Code: "serialization_error", Message: err.Error()})
		return
	}
	backend, ok := s.mgr.Trainer(id)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, apiError{Code: "session_error", Message: "no trainer connected: " + id})
		return
	}
	if err := backend.SetTargetPower(c.Request.Context(), req.Watts); err != nil {
		writeError(c, err)
		return
	}
	// The command observation goes on the broadcast only after the
	// transport ack above completed.
	s.hub.Publish(reading.Reading{
		Kind:        reading.KindTrainerCommand,
		TimestampMs: time.Now().UnixMilli(),
		TargetWatts: req.Watts,
		Source:      reading.SourceManual,
	})
	c.JSON(http.StatusOK, gin.H{"watts": req.Watts})
}

func (s *Server) handleHealth(c *gin.Context) {
	status, err := s.checker.Check(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"host":                    status,
		"connected_devices":       len(s.mgr.Connected()),
		"reconnect_pending":       s.watchdog.Pending(),
		"short_range_initialized": s.mgr.ShortRangeEverInitialized(),
	})
}

// handleHostFix runs the prerequisite checker's elevated fix path using the
// configured udev rules source. The result is reported as-is; a failed fix
// is a 200 with success=false, not an error, since the UI prompts the
// operator with the message either way.
func (s *Server) handleHostFix(c *gin.Context) {
	result, err := s.checker.Fix(c.Request.Context(), s.udevRulesSource)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleMetrics(c *gin.Context) {
	leCount, srCount := s.mgr.ReadingCounts()

	// Last-seen ages for connected short-range devices; low-energy drops
	// are detected by connection state, not data freshness, so there is
	// nothing comparable to report for them.
	lastSeen := gin.H{}
	for id := range s.mgr.Connected() {
		if elapsed, ok := s.mgr.ShortRangeLastSeen(id); ok {
			lastSeen[id] = elapsed.Milliseconds()
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"connected_devices": len(s.mgr.Connected()),
		"reconnect_pending": s.watchdog.Pending(),
		"readings_buffered": s.ring.len(),
		"readings_by_transport": gin.H{
			"low_energy":  leCount,
			"short_range": srCount,
		},
		"dropped_broadcasts": s.hub.Dropped(),
		"last_seen_ms":       lastSeen,
	})
}
