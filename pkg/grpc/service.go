package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

const serviceName = "vitals.v1.VitalsService"

type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type PostReadingRequest struct {
	DeviceID    string    `json:"device_id"`
	PatientID   string    `json:"patient_id"`
	Timestamp   time.Time `json:"timestamp"`
	HeartRate   *float64  `json:"heart_rate,omitempty"`
	SpO2        *float64  `json:"spo2,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

func (r *PostReadingRequest) GetDeviceID() string {
	return r.DeviceID
}

func (r *PostReadingRequest) Reading() models.VitalReading {
	return models.VitalReading{
		PatientID:   r.PatientID,
		DeviceID:    r.DeviceID,
		Timestamp:   r.Timestamp,
		HeartRate:   models.ValueOrNaN(r.HeartRate),
		SpO2:        models.ValueOrNaN(r.SpO2),
		Temperature: models.ValueOrNaN(r.Temperature),
	}
}

type PostReadingResponse struct {
	Status *StatusResponse    `json:"status"`
	Event  *models.AlertEvent `json:"event,omitempty"`
}

type ListActiveRequest struct {
	PatientID string `json:"patient_id,omitempty"`
	// Limit zero uses the default cap, negative lists everything.
	Limit int32 `json:"limit,omitempty"`
}

type ListActiveResponse struct {
	Status *StatusResponse `json:"status"`
	Alerts []models.Alert  `json:"alerts,omitempty"`
}

type AcknowledgeRequest struct {
	AlertID string `json:"alert_id"`
}

type AcknowledgeResponse struct {
	Status *StatusResponse `json:"status"`
	Alert  *models.Alert   `json:"alert,omitempty"`
}

type PostLimiterRequest struct {
	DeviceID    string  `json:"device_id"`
	DeviceRate  float64 `json:"device_rate"`
	DeviceBurst int32   `json:"device_burst"`
}

type PostLimiterResponse struct {
	Status *StatusResponse `json:"status"`
}

type VitalsServiceServer interface {
	PostReading(context.Context, *PostReadingRequest) (*PostReadingResponse, error)
	ListActive(context.Context, *ListActiveRequest) (*ListActiveResponse, error)
	Acknowledge(context.Context, *AcknowledgeRequest) (*AcknowledgeResponse, error)
	PostLimiter(context.Context, *PostLimiterRequest) (*PostLimiterResponse, error)
}

func unaryHandler[Req any, Resp any](method string, call func(VitalsServiceServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(VitalsServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(VitalsServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var VitalsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*VitalsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PostReading", Handler: unaryHandler("PostReading", VitalsServiceServer.PostReading)},
		{MethodName: "ListActive", Handler: unaryHandler("ListActive", VitalsServiceServer.ListActive)},
		{MethodName: "Acknowledge", Handler: unaryHandler("Acknowledge", VitalsServiceServer.Acknowledge)},
		{MethodName: "PostLimiter", Handler: unaryHandler("PostLimiter", VitalsServiceServer.PostLimiter)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vitals/v1",
}

func RegisterVitalsServiceServer(s grpc.ServiceRegistrar, srv VitalsServiceServer) {
	s.RegisterService(&VitalsServiceDesc, srv)
}

// VitalsServiceClient calls VitalsService with the JSON codec.
type VitalsServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewVitalsServiceClient(cc grpc.ClientConnInterface) *VitalsServiceClient {
	return &VitalsServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *VitalsServiceClient) PostReading(ctx context.Context, in *PostReadingRequest, opts ...grpc.CallOption) (*PostReadingResponse, error) {
	return invoke[PostReadingResponse](ctx, c.cc, "PostReading", in, opts)
}

func (c *VitalsServiceClient) ListActive(ctx context.Context, in *ListActiveRequest, opts ...grpc.CallOption) (*ListActiveResponse, error) {
	return invoke[ListActiveResponse](ctx, c.cc, "ListActive", in, opts)
}

func (c *VitalsServiceClient) Acknowledge(ctx context.Context, in *AcknowledgeRequest, opts ...grpc.CallOption) (*AcknowledgeResponse, error) {
	return invoke[AcknowledgeResponse](ctx, c.cc, "Acknowledge", in, opts)
}

func (c *VitalsServiceClient) PostLimiter(ctx context.Context, in *PostLimiterRequest, opts ...grpc.CallOption) (*PostLimiterResponse, error) {
	return invoke[PostLimiterResponse](ctx, c.cc, "PostLimiter", in, opts)
}
