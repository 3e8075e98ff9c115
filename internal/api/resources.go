package api

import (
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/refinery/internal/dispatch"
	"github.com/NikhilSetiya/refinery/pkg/health"
	"github.com/NikhilSetiya/refinery/pkg/resilience"
)

// ResourceView is everything known about one resource class.
type ResourceView struct {
	ResourceClass string                      `json:"resource_class"`
	Health        health.Record               `json:"health"`
	Breaker       *resilience.CircuitSnapshot `json:"breaker,omitempty"`
	InFlight      int                         `json:"in_flight"`
	Waiting       int                         `json:"waiting"`
}

// ResourceHandler serves resource class state and manual breaker resets.
type ResourceHandler struct {
	monitor    *health.Monitor
	breakers   *resilience.BreakerSet
	limiter    *resilience.ConcurrencyLimiter
	dispatcher *dispatch.Dispatcher
}

// NewResourceHandler creates a resource handler
func NewResourceHandler(monitor *health.Monitor, coordinator *resilience.RetryCoordinator, dispatcher *dispatch.Dispatcher) *ResourceHandler {
	return &ResourceHandler{
		monitor:    monitor,
		breakers:   coordinator.Breakers(),
		limiter:    coordinator.Limiter(),
		dispatcher: dispatcher,
	}
}

// ListResources returns one view per class seen by the monitor or a breaker.
func (h *ResourceHandler) ListResources(c *gin.Context) {
	records := h.monitor.SnapshotAll()
	snapshots := h.breakers.Snapshots()

	classes := make(map[string]struct{}, len(records)+len(snapshots))
	for class := range records {
		classes[class] = struct{}{}
	}
	for class := range snapshots {
		classes[class] = struct{}{}
	}

	views := make([]ResourceView, 0, len(classes))
	for class := range classes {
		view := ResourceView{
			ResourceClass: class,
			Health:        h.monitor.Snapshot(class),
			InFlight:      h.limiter.InFlight(class),
			Waiting:       h.limiter.Waiting(class),
		}
		if snap, ok := snapshots[class]; ok {
			view.Breaker = &snap
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ResourceClass < views[j].ResourceClass })

	SuccessResponse(c, gin.H{
		"overall":   h.monitor.OverallStatus(),
		"resources": views,
	})
}

// ResetResource closes the breaker of a class and clears its health window.
func (h *ResourceHandler) ResetResource(c *gin.Context) {
	class := c.Param("class")

	known := false
	for _, seen := range h.monitor.Classes() {
		if seen == class {
			known = true
			break
		}
	}
	if h.breakers.Reset(class) {
		known = true
	}
	if !known {
		NotFoundResponse(c, "Unknown resource class: "+class)
		return
	}
	h.monitor.Reset(class)

	SuccessResponse(c, gin.H{"resource_class": class, "reset": true})
}

// DispatchStats reports the run worker pool.
func (h *ResourceHandler) DispatchStats(c *gin.Context) {
	SuccessResponse(c, h.dispatcher.Stats())
}
