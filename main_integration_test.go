package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/doc-validation/internal/config"
	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/grpcclient"
	"github.com/example/doc-validation/internal/handlers"
	"github.com/example/doc-validation/internal/imageprocessor"
	"github.com/example/doc-validation/internal/repository"
	"github.com/example/doc-validation/internal/service"
	"github.com/example/doc-validation/internal/usecase"
)

// blockingAnalyzer holds every analysis until release is closed.
type blockingAnalyzer struct {
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

func (a *blockingAnalyzer) Analyze(ctx context.Context, role document.ImageRole, _ []byte) (*imageprocessor.Features, error) {
	a.once.Do(func() { close(a.started) })
	select {
	case <-a.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &imageprocessor.Features{
		Role: role,
		Signals: map[string]float64{
			imageprocessor.SignalLuminanceMean:   140,
			imageprocessor.SignalLuminanceStdDev: 60,
			imageprocessor.SignalEdgeDensity:     0.1,
		},
	}, nil
}

// serviceAPI serves submissions straight from the service without storage.
type serviceAPI struct {
	svc *service.Service
}

func (a serviceAPI) ValidateDocument(ctx context.Context, _ string, images map[document.ImageRole][]byte, raw map[document.RawDataSource]string) (*document.ValidationResponse, error) {
	req, err := document.NewRequest(uuid.Nil, images, raw)
	if err != nil {
		return nil, err
	}
	return a.svc.Process(ctx, req)
}

func (serviceAPI) GetResult(context.Context, string, string) (*repository.ValidationLog, error) {
	return nil, repository.ErrNotFound
}

func (serviceAPI) GetDuplicateReport(context.Context, string, string) (*usecase.DuplicateReport, error) {
	return nil, repository.ErrNotFound
}

func (serviceAPI) GetMetricsSummary(context.Context) (*usecase.MetricsSummary, error) {
	return &usecase.MetricsSummary{}, nil
}

func TestServerDrainsInFlightValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	settings := config.Default()
	settings.CallbackBudget = 0

	analyzer := &blockingAnalyzer{started: make(chan struct{}), release: make(chan struct{})}
	defer func() {
		select {
		case <-analyzer.release:
		default:
			close(analyzer.release)
		}
	}()
	svc := service.New(settings, logger, service.WithAnalyzer(analyzer))
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize service: %v", err)
	}
	defer svc.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: newRouter(settings, serviceAPI{svc: svc}, svc, handlers.Options{})}

	signalCh := make(chan os.Signal, 1)
	drained := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- serveHTTP(server, 2*time.Second, logger, serveOptions{
			listener: listener,
			signals:  signalCh,
			onDrain:  func() { close(drained) },
		})
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)
	client := &http.Client{Timeout: 3 * time.Second}

	healthResp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	var status struct {
		State string `json:"state"`
	}
	err = json.NewDecoder(healthResp.Body).Decode(&status)
	healthResp.Body.Close()
	if err != nil {
		t.Fatalf("invalid health body: %v", err)
	}
	if status.State != service.StateReady.String() {
		t.Fatalf("expected state %s, got %q", service.StateReady, status.State)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="ColorFront"; filename="front.png"`},
		"Content-Type":        {"image/png"},
	})
	if err != nil {
		t.Fatalf("failed to create part: %v", err)
	}
	_, _ = part.Write([]byte("png"))
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(settings.JWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/validate", body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-analyzer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("validation did not reach the analyzer in time")
	}

	signalCh <- syscall.SIGTERM
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain hook did not run")
	}
	close(analyzer.release)

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(raw))
		}
		var out document.ValidationResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("invalid validation body: %v", err)
		}
		if out.Stage != document.StageCompleted || out.Result == nil || out.Result.Status != document.StatusWarning {
			t.Fatalf("expected a completed Warning outcome, got %+v", out)
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

func TestServeAnalyzerOverGRPC(t *testing.T) {
	logger := zap.NewNop()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	stop := serveAnalyzer(addr, imageprocessor.NewLocalAnalyzer("", logger), logger)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	analyzer, conn, err := grpcclient.Dial(ctx, addr, logger)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := analyzer.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(0, 0, color.Gray{Y: 0})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}

	f, err := analyzer.Analyze(ctx, document.UVFront, buf.Bytes())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if f.Format != "png" || f.Width != 8 || f.Height != 8 {
		t.Fatalf("unexpected features: %+v", f)
	}
	if _, ok := f.Signal(imageprocessor.SignalLuminanceMean); !ok {
		t.Fatal("expected luminance signal")
	}

	if _, err := analyzer.Analyze(ctx, document.UVFront, []byte("not an image")); !imageprocessor.IsDecodeFailure(err) {
		t.Fatalf("expected decode failure, got %v", err)
	}
}
