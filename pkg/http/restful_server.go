package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"liyu1981.xyz/vitals-alert-service/pkg/auth"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
	"liyu1981.xyz/vitals-alert-service/pkg/monitor"
	"liyu1981.xyz/vitals-alert-service/pkg/transport"
)

type RestfulServer struct {
	Server   *gin.Engine
	Monitor  *monitor.Monitor
	Hub      *transport.Hub
	Verifier auth.Verifier
}

func (rs *RestfulServer) logger() *zap.Logger {
	return common.GetLoggerWith(common.LoggerNameRestfulServer)
}

func (rs *RestfulServer) SetLimiter(deviceID string, deviceRate float64, deviceBurst int) {
	if rs.Monitor.Limiters == nil {
		return
	}
	rs.Monitor.Limiters.SetLimiter(deviceID, rate.Limit(deviceRate), deviceBurst)
}

func (rs *RestfulServer) Setup() {
	rs.Server.GET("/healthz", rs.HealthCheck)

	// devices post without a user token; the limiter is their guard
	rs.Server.POST("/patients/:patient_id/readings", rs.PostReading)

	if rs.Hub != nil {
		rs.Server.GET("/ws", rs.Connect)
	}

	authed := rs.Server.Group("/", auth.RequireIdentity(rs.Verifier))
	{
		authed.GET("/alerts", rs.GetAlerts)
		authed.POST("/alerts/:alert_id/ack", rs.PostAcknowledge)
		authed.GET("/thresholds", rs.GetThresholds)
	}

	admin := rs.Server.Group("/", auth.RequireIdentity(rs.Verifier), auth.RequireRole(models.RoleAdmin))
	{
		admin.GET("/devices/:device_id/limiter", rs.GetLimiter)
		admin.POST("/devices/:device_id/limiter", rs.PostLimiter)
		admin.DELETE("/devices/:device_id/limiter", rs.DeleteLimiter)
		if rs.Hub != nil {
			admin.GET("/connections", rs.GetConnections)
			admin.DELETE("/connections/:client_id", rs.DeleteConnection)
		}
	}
}
