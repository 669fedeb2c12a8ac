package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/edgegw/internal/backend"
	"github.com/vyrodovalexey/edgegw/internal/proxy"
	"github.com/vyrodovalexey/edgegw/internal/router"
)

// RouteStatus describes one rule of the active table.
type RouteStatus struct {
	Name       string   `json:"name"`
	Service    string   `json:"service"`
	Priority   int      `json:"priority"`
	Host       string   `json:"host,omitempty"`
	Path       string   `json:"path"`
	PathType   string   `json:"path_type"`
	Methods    []string `json:"methods,omitempty"`
	Stages     []string `json:"stages,omitempty"`
	Idempotent bool     `json:"idempotent"`
	Cached     bool     `json:"cached"`
}

// RouteTableStatus is the /routes payload.
type RouteTableStatus struct {
	Generation uint64        `json:"generation"`
	Routes     []RouteStatus `json:"routes"`
}

// InstanceStatus describes one instance of a service.
type InstanceStatus struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	Weight      int    `json:"weight"`
	Status      string `json:"status"`
	Eligible    bool   `json:"eligible"`
	Outstanding int64  `json:"outstanding"`
	OpenConns   int    `json:"open_connections"`
	IdleConns   int    `json:"idle_connections"`
}

// ServiceStatus describes one service of the registry.
type ServiceStatus struct {
	ID        string           `json:"id"`
	Revision  int64            `json:"revision"`
	Healthy   int              `json:"healthy"`
	Instances []InstanceStatus `json:"instances"`
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// newAdminEngine builds the admin surface of g.
func newAdminEngine(g *Gateway) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/metrics", gin.WrapH(g.metrics.Handler()))
	engine.GET("/health", g.healthHandler)
	engine.GET("/ready", g.readyHandler)
	engine.GET("/routes", g.routesHandler)
	engine.GET("/services", g.servicesHandler)

	return engine
}

func (g *Gateway) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     g.State().String(),
		"uptime":    g.Uptime().String(),
		"timestamp": time.Now().UTC(),
	})
}

// readyHandler reports ready once the gateway runs and every service has
// seen its first discovery listing.
func (g *Gateway) readyHandler(c *gin.Context) {
	reason := ""
	switch {
	case !g.IsRunning():
		reason = "gateway is " + g.State().String()
	case g.discovery != nil && !g.discovery.Synced():
		reason = "discovery not synchronized"
	}

	if reason != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ready",
		"generation": g.router.Table().Generation(),
	})
}

func (g *Gateway) routesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, routeTableStatus(g.router.Table()))
}

func (g *Gateway) servicesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, serviceStatuses(g.registry, g.proxy.Transport().Stats()))
}

func routeTableStatus(table *router.Table) RouteTableStatus {
	out := RouteTableStatus{
		Generation: table.Generation(),
		Routes:     make([]RouteStatus, 0, table.Len()),
	}
	for _, rule := range table.Rules() {
		rs := RouteStatus{
			Name:       rule.Name,
			Service:    rule.Service,
			Priority:   rule.Priority,
			Host:       rule.Host.Host(),
			Path:       rule.Path.Pattern(),
			PathType:   rule.Path.Type(),
			Methods:    rule.Methods.Methods(),
			Stages:     rule.Pipeline.Kinds(),
			Idempotent: rule.Idempotent,
			Cached:     rule.Cache != nil && rule.Cache.Enabled,
		}
		out.Routes = append(out.Routes, rs)
	}
	return out
}

func serviceStatuses(registry *backend.Registry, stats []proxy.PoolStats) []ServiceStatus {
	type instanceKey struct{ service, instance, address string }
	conns := make(map[instanceKey]proxy.PoolStats, len(stats))
	for _, s := range stats {
		conns[instanceKey{s.Service, s.Instance, s.Address}] = s
	}

	ids := registry.Services()
	out := make([]ServiceStatus, 0, len(ids))
	for _, id := range ids {
		pool, ok := registry.Pool(id)
		if !ok {
			continue
		}
		instances := pool.Instances()
		ss := ServiceStatus{
			ID:        id,
			Revision:  pool.Revision(),
			Healthy:   len(pool.Healthy()),
			Instances: make([]InstanceStatus, 0, len(instances)),
		}
		for _, inst := range instances {
			ps := conns[instanceKey{id, inst.ID, inst.Address}]
			ss.Instances = append(ss.Instances, InstanceStatus{
				ID:          inst.ID,
				Address:     inst.Address,
				Weight:      inst.Weight,
				Status:      inst.Status(),
				Eligible:    inst.Eligible(),
				Outstanding: inst.Outstanding(),
				OpenConns:   ps.Open,
				IdleConns:   ps.Idle,
			})
		}
		out = append(out, ss)
	}
	return out
}
