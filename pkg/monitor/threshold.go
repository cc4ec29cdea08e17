package monitor

import "liyu1981.xyz/vitals-alert-service/pkg/classifier"

type IThresholdImpl struct {
	monitor *Monitor
}

func (it *IThresholdImpl) Table() classifier.ThresholdTable {
	return it.monitor.Aggregator.Classifier().Table()
}

func (m *Monitor) GetIThreshold() IThreshold {
	return &IThresholdImpl{monitor: m}
}
