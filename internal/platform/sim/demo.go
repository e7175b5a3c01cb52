package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/nkkko/axnotify/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DemoApplication is an application seeded for demo mode
type DemoApplication struct {
	PID  domain.ProcessID
	Name string
}

// DemoApplications are the applications SeedDemo creates
var DemoApplications = []DemoApplication{
	{PID: 4101, Name: "Finder"},
	{PID: 4102, Name: "TextEdit"},
	{PID: 4103, Name: "Mail"},
}

// SeedDemo adds the demo applications, each with a window and a text field
func (p *Platform) SeedDemo() {
	for _, app := range DemoApplications {
		root := p.AddApplication(app.PID, app.Name)
		window := p.AddElement(root, "AXWindow", app.Name+" Window")
		p.AddElement(window, "AXTextField", "Search")
	}
}

// Generator posts synthetic events to the demo applications in round robin
type Generator struct {
	platform *Platform
	interval time.Duration
	types    []domain.NotificationType
	logger   zerolog.Logger
	seq      int
}

// NewGenerator creates a generator firing one event per interval
func NewGenerator(p *Platform, interval time.Duration, types []domain.NotificationType) *Generator {
	if len(types) == 0 {
		types = []domain.NotificationType{domain.NotificationFocusedElementChanged}
	}
	return &Generator{
		platform: p,
		interval: interval,
		types:    types,
		logger:   log.With().Str("component", "demo-generator").Logger(),
	}
}

// Run posts events until ctx is done
func (g *Generator) Run(ctx context.Context) error {
	g.logger.Info().Dur("interval", g.interval).Int("types", len(g.types)).Msg("Starting demo event generator")

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.tick()
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *Generator) tick() {
	app := DemoApplications[g.seq%len(DemoApplications)]
	t := g.types[g.seq%len(g.types)]
	g.seq++

	payload := map[string]any{
		"seq":   g.seq,
		"title": fmt.Sprintf("%s #%d", app.Name, g.seq),
	}
	delivered, err := g.platform.PostToProcess(app.PID, t, payload)
	if err != nil {
		g.logger.Warn().Err(err).Int32("pid", int32(app.PID)).Msg("Demo event not posted")
		return
	}

	g.logger.Trace().
		Int32("pid", int32(app.PID)).
		Str("notification", string(t)).
		Int("delivered", delivered).
		Msg("Posted demo event")
}
