package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"liyu1981.xyz/vitals-alert-service/pkg/auth"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
	"liyu1981.xyz/vitals-alert-service/pkg/monitor"
)

const authorizationKey = "authorization"

type VitalsServer struct {
	Monitor  *monitor.Monitor
	Verifier auth.Verifier
}

func (s *VitalsServer) CheckDeviceLimiter(deviceID string) bool {
	return s.Monitor.CheckDeviceLimiter(deviceID)
}

// identity verifies the bearer token carried in the call metadata.
func (s *VitalsServer) identity(ctx context.Context) (models.Identity, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(authorizationKey)
	if len(values) == 0 {
		return models.Identity{}, status.Error(codes.Unauthenticated, "authorization metadata is required")
	}

	id, err := s.Verifier.Verify(ctx, strings.TrimPrefix(values[0], "Bearer "))
	if err != nil {
		return models.Identity{}, status.Error(codes.Unauthenticated, err.Error())
	}
	return id, nil
}

// WithToken attaches a bearer token to an outgoing call context.
func WithToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer "+token)
}

// callError turns access errors into gRPC status codes. Other errors travel
// in the response status.
func callError(err error) error {
	switch {
	case models.IsAuth(err):
		return status.Error(codes.Unauthenticated, err.Error())
	case models.IsForbidden(err):
		return status.Error(codes.PermissionDenied, err.Error())
	case models.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	}
	return nil
}
