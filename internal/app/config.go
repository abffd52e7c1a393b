package app

import (
	"github.com/nixbuild/typhon/internal/logger"
	"github.com/nixbuild/typhon/internal/utils"
)

// Config holds every environment-driven setting the core reads at
// startup, loaded the way the teacher's LoadConfig reads env vars:
// utils.GetEnv/GetEnvAsInt, logging each fallback at Debug level.
type Config struct {
	HTTPAddr string

	RedisAddr    string
	RedisChannel string

	SandboxBin string
	AgeKey     string

	GCRootsSchedule string

	ReconcileOnStart bool

	TaskManagerBuffer int
}

// LoadConfig reads Config from the environment.
func LoadConfig(log *logger.Logger) Config {
	httpAddr := utils.GetEnv("HTTP_ADDR", ":8080", log)

	redisAddr := utils.GetEnv("REDIS_ADDR", "", log)
	redisChannel := utils.GetEnv("REDIS_EVENT_CHANNEL", "typhon-events", log)

	sandboxBin := utils.GetEnv("SANDBOX_BIN", "bwrap", log)
	ageKey := utils.GetEnv("AGE_IDENTITY", "", log)

	gcSchedule := utils.GetEnv("GCROOTS_SCHEDULE", "0 */15 * * * *", log)

	reconcileOnStart := utils.GetEnv("RECONCILE_ON_START", "true", log) == "true"

	taskManagerBuffer := utils.GetEnvAsInt("TASK_MANAGER_BUFFER", 256, log)

	return Config{
		HTTPAddr:          httpAddr,
		RedisAddr:         redisAddr,
		RedisChannel:      redisChannel,
		SandboxBin:        sandboxBin,
		AgeKey:            ageKey,
		GCRootsSchedule:   gcSchedule,
		ReconcileOnStart:  reconcileOnStart,
		TaskManagerBuffer: taskManagerBuffer,
	}
}
