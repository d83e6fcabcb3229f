package job

import (
	"Mindweave/internal/pkg/consts"
	"Mindweave/internal/pkg/logger"
	"Mindweave/internal/pkg/redis"
	"context"
	log "log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// presenceStaleAfter 超过该时长未上报心跳的用户视为离线，条目直接清除
const presenceStaleAfter = 10 * time.Minute

type PresenceCleanupJob struct{}

func NewPresenceCleanupJob() *PresenceCleanupJob {
	return &PresenceCleanupJob{}
}

func (s *PresenceCleanupJob) Run() {
	traceID := "job-presence-" + uuid.NewString()
	ctx := context.WithValue(context.Background(), logger.TraceIDKey, traceID)

	deadline := time.Now().Add(-presenceStaleAfter).Unix()
	removed, err := redis.ZRemRangeByScore(ctx, consts.PresenceSetKey, "-inf", strconv.FormatInt(deadline, 10))
	if err != nil {
		log.ErrorContext(ctx, "presence cleanup error", "err", err)
		return
	}

	log.InfoContext(ctx, "PresenceCleanupJob finished", "removed_count", removed)
}
