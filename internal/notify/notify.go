// Package notify forwards service notifications to NATS subjects.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/events"
)

// Subjects carrying each notification channel.
const (
	SubjectStage  = "validation.stage"
	SubjectError  = "validation.error"
	SubjectDevice = "validation.device"
)

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Source is a notification producer, normally *service.Service.
type Source interface {
	OnStageChanged(func(events.StageChanged)) events.Handle
	OnError(func(events.ErrorReceived)) events.Handle
	OnDeviceProcessingCompleted(func(*document.ValidationResponse)) events.Handle
	Unsubscribe(events.Handle) bool
}

// Connect opens a NATS connection that keeps reconnecting in the background.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("doc-validation"),
		nats.Timeout(2*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

type errorMessage struct {
	RequestID string `json:"request_id"`
	Stage     string `json:"stage"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
}

// Forwarder publishes every notification of a Source as JSON.
type Forwarder struct {
	pub    Publisher
	logger *zap.Logger
}

// NewForwarder creates a forwarder writing to pub.
func NewForwarder(pub Publisher, logger *zap.Logger) *Forwarder {
	return &Forwarder{pub: pub, logger: logger.Named("notify")}
}

// Attach subscribes to src and returns a function removing the subscriptions.
func (f *Forwarder) Attach(src Source) func() {
	handles := []events.Handle{
		src.OnStageChanged(func(e events.StageChanged) {
			f.send(SubjectStage, e.RequestID.String(), e)
		}),
		src.OnError(func(e events.ErrorReceived) {
			msg := errorMessage{
				RequestID: e.RequestID.String(),
				Stage:     string(e.Stage),
				Message:   e.Message,
			}
			var derr *document.Error
			if errors.As(e.Err, &derr) {
				msg.Kind = string(derr.Kind)
			}
			f.send(SubjectError, msg.RequestID, msg)
		}),
		src.OnDeviceProcessingCompleted(func(r *document.ValidationResponse) {
			id := ""
			if r.Document != nil {
				id = r.Document.RequestID.String()
			}
			f.send(SubjectDevice, id, r)
		}),
	}
	return func() {
		for _, h := range handles {
			src.Unsubscribe(h)
		}
	}
}

func (f *Forwarder) send(subject, requestID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		f.logger.Error("encode notification", zap.String("subject", subject), zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if err := f.pub.Publish(subject, data); err != nil {
		f.logger.Warn("publish notification", zap.String("subject", subject), zap.String("request_id", requestID), zap.Error(err))
	}
}
