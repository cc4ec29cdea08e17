package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"liyu1981.xyz/vitals-alert-service/pkg/auth"
	"liyu1981.xyz/vitals-alert-service/pkg/models"

	z "github.com/Oudwins/zog"
	"github.com/Oudwins/zog/zhttp"
)

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest
	case models.IsAuth(err):
		return http.StatusUnauthorized
	case models.IsForbidden(err):
		return http.StatusForbidden
	case models.IsNotFound(err):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (rs *RestfulServer) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		rs.logger().Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type ReadingRequest struct {
	DeviceID    string    `json:"device_id" zog:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	HeartRate   *float64  `json:"heart_rate" zog:"heart_rate"`
	SpO2        *float64  `json:"spo2" zog:"spo2"`
	Temperature *float64  `json:"temperature"`
}

var readingRequestSchema = z.Struct(z.Shape{
	"DeviceID":    z.String().Required(),
	"Timestamp":   z.Time(),
	"HeartRate":   z.Ptr(z.Float64()),
	"SpO2":        z.Ptr(z.Float64()),
	"Temperature": z.Ptr(z.Float64()),
})

func (rs *RestfulServer) PostReading(c *gin.Context) {
	patientID := c.Param("patient_id")

	var req ReadingRequest
	if err := readingRequestSchema.Parse(zhttp.Request(c.Request), &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err})
		return
	}
	if req.HeartRate == nil && req.SpO2 == nil && req.Temperature == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one vital is required"})
		return
	}

	reading := models.VitalReading{
		PatientID:   patientID,
		DeviceID:    req.DeviceID,
		Timestamp:   req.Timestamp,
		HeartRate:   models.ValueOrNaN(req.HeartRate),
		SpO2:        models.ValueOrNaN(req.SpO2),
		Temperature: models.ValueOrNaN(req.Temperature),
	}
	if !rs.Monitor.AdmitReading(reading) {
		c.Status(http.StatusTooManyRequests)
		return
	}

	evt, err := rs.Monitor.Reading.IngestReading(reading)
	if err != nil && !models.IsPartial(err) {
		rs.fail(c, err)
		return
	}

	resp := gin.H{"event": evt}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// GetAlerts lists active alerts. limit defaults to the bell cap; a negative
// limit lists every active alert.
func (rs *RestfulServer) GetAlerts(c *gin.Context) {
	viewer, _ := auth.IdentityFrom(c)

	limit := rs.Monitor.Aggregator.ListCap()
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = v
	}
	if limit == 0 {
		limit = rs.Monitor.Aggregator.ListCap()
	}

	alerts, err := rs.Monitor.Alert.ListActive(viewer, c.Query("patient_id"), limit)
	if err != nil {
		rs.fail(c, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}

	c.JSON(http.StatusOK, alerts)
}

func (rs *RestfulServer) PostAcknowledge(c *gin.Context) {
	viewer, _ := auth.IdentityFrom(c)

	alert, err := rs.Monitor.Alert.Acknowledge(viewer, c.Param("alert_id"))
	if err != nil {
		rs.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, alert)
}

func (rs *RestfulServer) GetThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, rs.Monitor.Threshold.Table())
}

type LimiterRequest struct {
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
}

var limiterRequestSchema = z.Struct(z.Shape{
	"Rate":  z.Float64().Required(),
	"Burst": z.Int().Required(),
})

func (rs *RestfulServer) PostLimiter(c *gin.Context) {
	deviceID := c.Param("device_id")

	var req LimiterRequest
	if err := limiterRequestSchema.Parse(zhttp.Request(c.Request), &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err})
		return
	}

	rs.SetLimiter(deviceID, req.Rate, req.Burst)

	c.Status(http.StatusOK)
}

func (rs *RestfulServer) GetLimiter(c *gin.Context) {
	if rs.Monitor.Limiters == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "rate limiting is disabled"})
		return
	}
	c.JSON(http.StatusOK, rs.Monitor.Limiters.Config(c.Param("device_id")))
}

func (rs *RestfulServer) DeleteLimiter(c *gin.Context) {
	if rs.Monitor.Limiters != nil {
		rs.Monitor.Limiters.Reset(c.Param("device_id"))
	}
	c.Status(http.StatusOK)
}

func (rs *RestfulServer) Connect(c *gin.Context) {
	rs.Hub.HandleConnect(c.Writer, c.Request)
}

func (rs *RestfulServer) GetConnections(c *gin.Context) {
	c.JSON(http.StatusOK, rs.Hub.Connections())
}

func (rs *RestfulServer) DeleteConnection(c *gin.Context) {
	if !rs.Hub.Disconnect(c.Param("client_id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "client not connected"})
		return
	}
	c.Status(http.StatusOK)
}

func (rs *RestfulServer) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
