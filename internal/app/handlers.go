package app

import (
	"github.com/nixbuild/typhon/internal/handlers"
	"github.com/nixbuild/typhon/internal/logger"
)

type Handlers struct {
	Health  *handlers.HealthHandler
	LiveLog *handlers.LiveLogHandler
	Event   *handlers.EventHandler
}

func wireHandlers(log *logger.Logger, core Core) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:  handlers.NewHealthHandler(),
		LiveLog: handlers.NewLiveLogHandler(log, core.JobManagers.BeginLog, core.Builds, core.JobManagers.EndLog),
		Event:   handlers.NewEventHandler(log, core.Bus),
	}
}
