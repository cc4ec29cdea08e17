package monitor

import (
	"go.uber.org/zap"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

// listActive applies the viewer's access rules on top of the aggregator's
// list. Family members asking for every patient get only their own.
func (m *Monitor) listActive(viewer models.Identity, patientID string, limit int) ([]models.Alert, error) {
	if patientID != "" {
		if !viewer.CanAccess(patientID) {
			return nil, &models.ForbiddenError{UserID: viewer.UserID, PatientID: patientID}
		}
		return m.Aggregator.ListActive(patientID, limit), nil
	}

	switch viewer.Role {
	case models.RoleDoctor, models.RoleAdmin:
		return m.Aggregator.ListActive("", limit), nil
	case models.RoleFamily:
		var alerts []models.Alert
		for _, alert := range m.Aggregator.ListActive("", 0) {
			if !viewer.CanAccess(alert.PatientID) {
				continue
			}
			alerts = append(alerts, alert)
			if limit > 0 && len(alerts) == limit {
				break
			}
		}
		return alerts, nil
	}
	return nil, &models.ForbiddenError{UserID: viewer.UserID, PatientID: patientID}
}

func (m *Monitor) acknowledge(viewer models.Identity, alertID string) (models.Alert, error) {
	logger := common.GetLoggerWith(
		common.LoggerNameVitalsCore,
		zap.String(common.LoggerFieldCategory, common.LoggerCategoryAlert),
	)

	alert, err := m.Aggregator.Get(alertID)
	if err != nil {
		return models.Alert{}, err
	}
	if !viewer.CanAcknowledge() || !viewer.CanAccess(alert.PatientID) {
		logger.Warn("Acknowledge refused",
			zap.String("alert_id", alertID),
			zap.String("user_id", viewer.UserID),
			zap.String("role", string(viewer.Role)))
		return models.Alert{}, &models.ForbiddenError{UserID: viewer.UserID, PatientID: alert.PatientID}
	}
	return m.Aggregator.Acknowledge(alertID, viewer.UserID)
}

type IAlertImpl struct {
	monitor *Monitor
}

func (ia *IAlertImpl) ListActive(viewer models.Identity, patientID string, limit int) ([]models.Alert, error) {
	return ia.monitor.listActive(viewer, patientID, limit)
}

func (ia *IAlertImpl) Acknowledge(viewer models.Identity, alertID string) (models.Alert, error) {
	return ia.monitor.acknowledge(viewer, alertID)
}

func (m *Monitor) GetIAlert() IAlert {
	return &IAlertImpl{monitor: m}
}
