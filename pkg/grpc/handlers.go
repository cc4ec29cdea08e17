package grpc

import (
	"context"
	"fmt"

	z "github.com/Oudwins/zog"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

func validateID(id *string) z.ZogIssueList {
	var idValidator = z.String().Min(1).Required()
	return idValidator.Validate(id)
}

func failed(err error) *StatusResponse {
	return &StatusResponse{Success: false, Message: err.Error()}
}

func invalid(err any) *StatusResponse {
	return &StatusResponse{Success: false, Message: fmt.Sprintf("validation error: %v", err)}
}

func succeeded() *StatusResponse {
	return &StatusResponse{Success: true, Message: "OK"}
}

func (s *VitalsServer) PostReading(ctx context.Context, req *PostReadingRequest) (*PostReadingResponse, error) {
	{
		var readingValidator = z.Struct(z.Shape{
			// vitals are optional one by one and checked below
			"DeviceID":  z.String().Min(1).Required(),
			"PatientID": z.String().Min(1).Required(),
		})

		if err := readingValidator.Validate(req); err != nil {
			return &PostReadingResponse{Status: invalid(err)}, nil
		}
	}

	if req.HeartRate == nil && req.SpO2 == nil && req.Temperature == nil {
		return &PostReadingResponse{Status: invalid("at least one vital is required")}, nil
	}

	evt, err := s.Monitor.Reading.IngestReading(req.Reading())
	if models.IsPartial(err) {
		return &PostReadingResponse{Status: &StatusResponse{Success: true, Message: err.Error()}, Event: evt}, nil
	}
	if err != nil {
		if !models.IsValidation(err) {
			common.GetLoggerWith(common.LoggerNameGrpcServer).Error("PostReading failed",
				zap.String("patient_id", req.PatientID),
				zap.Error(err))
		}
		return &PostReadingResponse{Status: failed(err)}, nil
	}

	return &PostReadingResponse{Status: succeeded(), Event: evt}, nil
}

func (s *VitalsServer) ListActive(ctx context.Context, req *ListActiveRequest) (*ListActiveResponse, error) {
	viewer, err := s.identity(ctx)
	if err != nil {
		return nil, err
	}

	limit := int(req.Limit)
	if limit == 0 {
		limit = s.Monitor.Aggregator.ListCap()
	}

	alerts, err := s.Monitor.Alert.ListActive(viewer, req.PatientID, limit)
	if err != nil {
		if cerr := callError(err); cerr != nil {
			return nil, cerr
		}
		return &ListActiveResponse{Status: failed(err)}, nil
	}

	return &ListActiveResponse{Status: succeeded(), Alerts: alerts}, nil
}

func (s *VitalsServer) Acknowledge(ctx context.Context, req *AcknowledgeRequest) (*AcknowledgeResponse, error) {
	viewer, err := s.identity(ctx)
	if err != nil {
		return nil, err
	}

	if err := validateID(&req.AlertID); err != nil {
		return &AcknowledgeResponse{Status: invalid(err)}, nil
	}

	alert, err := s.Monitor.Alert.Acknowledge(viewer, req.AlertID)
	if err != nil {
		if cerr := callError(err); cerr != nil {
			return nil, cerr
		}
		return &AcknowledgeResponse{Status: failed(err)}, nil
	}

	return &AcknowledgeResponse{Status: succeeded(), Alert: &alert}, nil
}

func (s *VitalsServer) PostLimiter(ctx context.Context, req *PostLimiterRequest) (*PostLimiterResponse, error) {
	viewer, err := s.identity(ctx)
	if err != nil {
		return nil, err
	}
	if viewer.Role != models.RoleAdmin {
		return nil, status.Errorf(codes.PermissionDenied, "role %q may not change limiters", viewer.Role)
	}

	if err := validateID(&req.DeviceID); err != nil {
		return &PostLimiterResponse{Status: invalid(err)}, nil
	}

	var rateValidator = z.Float64().Required()
	if err := rateValidator.Validate(&req.DeviceRate); err != nil {
		return &PostLimiterResponse{Status: invalid(err)}, nil
	}

	var burstValidator = z.Int32().Required()
	if err := burstValidator.Validate(&req.DeviceBurst); err != nil {
		return &PostLimiterResponse{Status: invalid(err)}, nil
	}

	if s.Monitor.Limiters == nil {
		return &PostLimiterResponse{
			Status: &StatusResponse{
				Success: false,
				Message: "RateLimiterStore is not used. No effect.",
			},
		}, nil
	}

	s.Monitor.Limiters.SetLimiter(req.DeviceID, rate.Limit(req.DeviceRate), int(req.DeviceBurst))
	return &PostLimiterResponse{Status: succeeded()}, nil
}
