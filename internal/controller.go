package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/crucible-gg/crucible/internal/api"
	"github.com/crucible-gg/crucible/internal/core"
	"github.com/crucible-gg/crucible/internal/data"
	crucdebug "github.com/crucible-gg/crucible/internal/debug"
	"github.com/crucible-gg/crucible/internal/gateway"
	"github.com/crucible-gg/crucible/internal/integrity"
	"github.com/crucible-gg/crucible/internal/match"
	"github.com/crucible-gg/crucible/internal/matchmaker"
	"github.com/crucible-gg/crucible/internal/party"
	"github.com/crucible-gg/crucible/internal/rules"
	"github.com/crucible-gg/crucible/internal/session"
	"github.com/crucible-gg/crucible/internal/sim"
)

// Controller is the main entrypoint for crucible. It's responsible for
// initializing the shared resources (database, logging, the session and match
// components), defining the servers, and launching everything.
type Controller struct {
	Config *core.Config

	logger *logrus.Logger
	wg     sync.WaitGroup

	db         *gorm.DB
	matchmaker *matchmaker.Matchmaker
	apiServer  *api.Server
	servers    []starter
}

// starter is anything the controller can launch under its WaitGroup.
type starter interface {
	Start(ctx context.Context, wg *sync.WaitGroup) error
}

func (c *Controller) Start(ctx context.Context) {
	defer c.Shutdown(ctx)

	var err error
	// Set up the logger, which will be used by all sub-servers.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		fmt.Println("error initializing logger:", err)
		return
	}

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.PprofEnabled {
		crucdebug.StartUtilities(c.logger, c.Config.Debugging.PprofPort)
	}

	c.db, err = data.Open(c.Config)
	if err != nil {
		c.logger.Errorf("error connecting to database: %v", err)
		return
	}

	c.declareServers()
	c.run(ctx)
}

// declareServers builds the shared component graph and the frontends serving
// it. The TCP and WebSocket frontends share one gateway backend.
func (c *Controller) declareServers() {
	registry := rules.DefaultRegistry()

	monitor := integrity.NewMonitor(integrity.Config{
		SequenceWindow:  uint32(c.Config.Integrity.SequenceWindow),
		RateCeiling:     c.Config.Integrity.RateCeiling,
		StrikeThreshold: c.Config.Integrity.StrikeThreshold,
		MaxPayloadSize:  c.Config.Integrity.MaxPayloadSize,
	})
	sessions := session.NewManager(c.logger, monitor, c.Config.GraceWindow())
	parties := party.NewService(c.logger, c.Config.PartyServer.MaxSize)

	c.matchmaker = matchmaker.New(c.logger, matchmaker.Config{
		PassInterval:  time.Duration(c.Config.Matchmaker.PassInterval) * time.Second,
		InitialRadius: float64(c.Config.Matchmaker.InitialRadius),
		RadiusGrowth:  float64(c.Config.Matchmaker.RadiusGrowth),
		MaxRadius:     float64(c.Config.Matchmaker.MaxRadius),
		MaxWait:       time.Duration(c.Config.Matchmaker.MaxWait) * time.Second,
	}, registry.ModeSizes())

	simConfig := sim.Config{
		TickInterval:         c.Config.TickInterval(),
		LagCompensationTicks: uint64(c.Config.SimServer.LagCompensationTicks),
		DeltaHistorySize:     c.Config.SimServer.DeltaHistorySize,
		KeyframeInterval:     uint64(c.Config.SimServer.KeyframeInterval),
	}
	matches := match.NewOrchestrator(c.logger, registry, c.db, c.matchmaker, simConfig,
		time.Duration(c.Config.MatchServer.LoadTimeout)*time.Second)

	backend := &gateway.Server{
		Name:       "GATEWAY",
		Config:     c.Config,
		Logger:     c.logger,
		DB:         c.db,
		Sessions:   sessions,
		Parties:    parties,
		Matchmaker: c.matchmaker,
		Matches:    matches,
	}

	c.apiServer = &api.Server{
		Name:       "API",
		Logger:     c.logger,
		Addr:       c.buildAddress(c.Config.APIServer.Port),
		Sessions:   sessions,
		Matchmaker: c.matchmaker,
	}

	c.servers = []starter{
		&frontend{
			Address: c.buildAddress(c.Config.GatewayServer.Port),
			Backend: backend,
			Config:  c.Config,
			Logger:  c.logger,
		},
		&wsFrontend{
			frontend: frontend{
				Address: c.buildAddress(c.Config.GatewayServer.WebsocketPort),
				Backend: backend,
				Config:  c.Config,
				Logger:  c.logger,
			},
		},
		c.apiServer,
	}
}

func (c *Controller) run(ctx context.Context) {
	c.matchmaker.Start()

	// Failure to initialize one of the registered servers is considered terminal.
	for _, server := range c.servers {
		if err := server.Start(ctx, &c.wg); err != nil {
			c.logger.Errorf("error starting server: %v", err)
			return
		}
	}

	c.wg.Wait()
}

func (c *Controller) buildAddress(port int) string {
	return fmt.Sprintf("%s:%v", c.Config.Hostname, port)
}

func (c *Controller) Shutdown(ctx context.Context) {
	c.wg.Wait()

	if c.matchmaker != nil {
		c.matchmaker.Stop()
	}
	if c.db != nil {
		if err := data.Shutdown(c.db); err != nil {
			c.logger.Errorf("error closing database: %v", err)
		}
	}
}
