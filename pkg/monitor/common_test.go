package monitor

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"liyu1981.xyz/vitals-alert-service/pkg/aggregator"
	"liyu1981.xyz/vitals-alert-service/pkg/classifier"
	"liyu1981.xyz/vitals-alert-service/pkg/monitor/mocks"
)

func GetMockMonitor(t *testing.T, useMockIReading, useMockIAlert, useMockIThreshold bool) (
	*gomock.Controller,
	*Monitor,
	*mocks.MockIReading,
	*mocks.MockIAlert,
	*mocks.MockIThreshold,
) {
	ctrl := gomock.NewController(t)

	mockIReading := mocks.NewMockIReading(ctrl)
	mockIAlert := mocks.NewMockIAlert(ctrl)
	mockIThreshold := mocks.NewMockIThreshold(ctrl)

	c, err := classifier.New(classifier.DefaultThresholds())
	require.NoError(t, err)
	agg := aggregator.New(c, aggregator.DefaultPolicy(), aggregator.Options{})
	monitorInstance := &Monitor{Aggregator: agg}

	readingService := monitorInstance.GetIReading()
	if useMockIReading {
		readingService = mockIReading
	}

	alertService := monitorInstance.GetIAlert()
	if useMockIAlert {
		alertService = mockIAlert
	}

	thresholdService := monitorInstance.GetIThreshold()
	if useMockIThreshold {
		thresholdService = mockIThreshold
	}

	monitorInstance.WithServices(ServiceOpts{
		Reading:   readingService,
		Alert:     alertService,
		Threshold: thresholdService,
	})

	return ctrl, monitorInstance, mockIReading, mockIAlert, mockIThreshold
}

func ParseLogs(r io.Reader) []map[string]any {
	scanner := bufio.NewScanner(r)
	var logs []map[string]any

	for scanner.Scan() {
		var j map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &j); err == nil {
			logs = append(logs, j)
		}
	}
	return logs
}
