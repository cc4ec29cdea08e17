package aggregator

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
)

// DefaultRetentionSchedule sweeps once a minute.
const DefaultRetentionSchedule = "@every 1m"

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewRetentionJob returns a stopped cron scheduler that prunes a on schedule.
// The caller starts and stops it.
func NewRetentionJob(a *Aggregator, schedule string) (*cron.Cron, error) {
	logger := common.GetLoggerWith(
		common.LoggerNameVitalsCore,
		zap.String(common.LoggerFieldCategory, common.LoggerCategoryRetention),
	)

	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}

	c := cron.New(cron.WithChain(cron.Recover(&cronLogger{logger: logger.Named("cron")})))
	_, err := c.AddFunc(schedule, func() {
		expired := a.Prune(a.now())
		if expired > 0 {
			logger.Info("Expired stale alerts", zap.Int("count", expired))
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
