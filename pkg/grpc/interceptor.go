package grpc

import (
	"context"
	"reflect"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

// CreateRateLimitInterceptor applies the per device token bucket to the
// listed request types. They must carry a GetDeviceID method. Requests that
// carry a reading are admitted past the limit when the reading is abnormal.
func (s *VitalsServer) CreateRateLimitInterceptor(targetReqTypes []any) grpc.UnaryServerInterceptor {
	targetTypeMap := common.Reducer(targetReqTypes,
		func(m map[reflect.Type]bool, t any) map[reflect.Type]bool {
			m[reflect.TypeOf(t)] = true
			return m
		},
		map[reflect.Type]bool{},
	)

	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if _, ok := targetTypeMap[reflect.TypeOf(req)]; ok {
			if r, ok := req.(interface{ Reading() models.VitalReading }); ok {
				if !s.Monitor.AdmitReading(r.Reading()) {
					return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded")
				}
			} else if r, ok := req.(interface{ GetDeviceID() string }); ok {
				deviceID := r.GetDeviceID()
				if !s.CheckDeviceLimiter(deviceID) {
					return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded")
				}
			}
		}

		return handler(ctx, req)
	}
}
