package db

import (
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

// HistoryStore keeps retired alerts. An alert recorded twice (closed, then
// acknowledged) keeps its latest state.
type HistoryStore struct {
	db *DB
}

func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (h *HistoryStore) Record(alert models.Alert) error {
	logger := common.GetLoggerWith(common.LoggerNameHistory)

	record := models.RecordOf(alert)
	err := h.db.Conn.
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return err
	}

	logger.Info("Alert recorded",
		zap.String("alert_id", record.ID),
		zap.String("patient_id", record.PatientID),
		zap.String("close_reason", record.CloseReason))
	return nil
}
