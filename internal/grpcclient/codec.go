package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/imageprocessor"
)

// ServiceName is the gRPC service exposed by analysis hosts.
const ServiceName = "docvalidation.v1.ImageAnalyzer"

const analyzeMethod = "/" + ServiceName + "/Analyze"

func encodeRequest(role document.ImageRole, data []byte) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"role":  structpb.NewStringValue(string(role)),
		"image": structpb.NewStringValue(base64.StdEncoding.EncodeToString(data)),
	}}
}

func decodeRequest(req *structpb.Struct) (document.ImageRole, []byte, error) {
	fields := req.GetFields()
	role := document.ImageRole(fields["role"].GetStringValue())
	if !role.Valid() {
		return "", nil, status.Errorf(codes.InvalidArgument, "unknown image role %q", role)
	}
	data, err := base64.StdEncoding.DecodeString(fields["image"].GetStringValue())
	if err != nil {
		return "", nil, status.Errorf(codes.InvalidArgument, "image payload: %v", err)
	}
	return role, data, nil
}

func encodeFeatures(f *imageprocessor.Features) (*structpb.Struct, error) {
	signals := make(map[string]any, len(f.Signals))
	for k, v := range f.Signals {
		signals[k] = v
	}
	fields := make(map[string]any, len(f.Fields))
	for k, v := range f.Fields {
		fields[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"role":    string(f.Role),
		"format":  f.Format,
		"width":   f.Width,
		"height":  f.Height,
		"signals": signals,
		"fields":  fields,
	})
}

func decodeFeatures(role document.ImageRole, resp *structpb.Struct) (*imageprocessor.Features, error) {
	fields := resp.GetFields()
	signals, ok := fields["signals"]
	if !ok || signals.GetStructValue() == nil {
		return nil, fmt.Errorf("analysis response for %s has no signals", role)
	}
	f := &imageprocessor.Features{
		Role:    role,
		Format:  fields["format"].GetStringValue(),
		Width:   int(fields["width"].GetNumberValue()),
		Height:  int(fields["height"].GetNumberValue()),
		Signals: make(map[string]float64),
	}
	for k, v := range signals.GetStructValue().GetFields() {
		f.Signals[k] = v.GetNumberValue()
	}
	if ocr := fields["fields"].GetStructValue(); ocr != nil && len(ocr.GetFields()) > 0 {
		f.Fields = make(document.Fields, len(ocr.GetFields()))
		for k, v := range ocr.GetFields() {
			f.Fields[k] = v.GetStringValue()
		}
	}
	return f, nil
}

// toStatus maps analyzer failures onto gRPC codes understood by Analyzer.
func toStatus(err error) error {
	switch {
	case errors.Is(err, imageprocessor.ErrUnsupportedFormat):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, imageprocessor.ErrUnreadableImage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus is the inverse of toStatus.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unimplemented:
		return fmt.Errorf("%w: %s", imageprocessor.ErrUnsupportedFormat, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", imageprocessor.ErrUnreadableImage, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	default:
		return err
	}
}

// RegisterAnalyzerService serves a on s under ServiceName.
func RegisterAnalyzerService(s grpc.ServiceRegistrar, a imageprocessor.Analyzer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*imageprocessor.Analyzer)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Analyze",
			Handler:    analyzeHandler,
		}},
		Metadata: "docvalidation/v1/analyzer.proto",
	}, a)
}

func analyzeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		role, data, err := decodeRequest(req.(*structpb.Struct))
		if err != nil {
			return nil, err
		}
		f, err := srv.(imageprocessor.Analyzer).Analyze(ctx, role, data)
		if err != nil {
			return nil, toStatus(err)
		}
		return encodeFeatures(f)
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: analyzeMethod}
	return interceptor(ctx, in, info, handle)
}
