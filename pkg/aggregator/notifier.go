package aggregator

import "liyu1981.xyz/vitals-alert-service/pkg/models"

// MultiNotifier fans events out to every notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) NotifyAlert(evt models.AlertEvent) {
	for _, n := range m {
		if n != nil {
			n.NotifyAlert(evt)
		}
	}
}

func (m MultiNotifier) NotifyStatus(change models.PatientStatusChange) {
	for _, n := range m {
		if n != nil {
			n.NotifyStatus(change)
		}
	}
}
