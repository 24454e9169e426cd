package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/events"
)

type message struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, message{subject: subject, data: data})
	return p.err
}

type fakeSource struct {
	stages    *events.Bus[events.StageChanged]
	errs      *events.Bus[events.ErrorReceived]
	completed *events.Bus[*document.ValidationResponse]
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		stages:    events.NewBus[events.StageChanged]("stage", 0, zap.NewNop()),
		errs:      events.NewBus[events.ErrorReceived]("error", 0, zap.NewNop()),
		completed: events.NewBus[*document.ValidationResponse]("device", 0, zap.NewNop()),
	}
}

func (s *fakeSource) OnStageChanged(fn func(events.StageChanged)) events.Handle {
	return s.stages.Subscribe(fn)
}

func (s *fakeSource) OnError(fn func(events.ErrorReceived)) events.Handle {
	return s.errs.Subscribe(fn)
}

func (s *fakeSource) OnDeviceProcessingCompleted(fn func(*document.ValidationResponse)) events.Handle {
	return s.completed.Subscribe(fn)
}

func (s *fakeSource) Unsubscribe(h events.Handle) bool {
	return s.stages.Unsubscribe(h) || s.errs.Unsubscribe(h) || s.completed.Unsubscribe(h)
}

func TestForwarderPublishesEveryChannel(t *testing.T) {
	pub := &fakePublisher{}
	src := newFakeSource()
	detach := NewForwarder(pub, zap.NewNop()).Attach(src)

	id := uuid.New()
	src.stages.Publish(events.StageChanged{RequestID: id, Status: document.StageDecoding, At: time.Now()})
	src.errs.Publish(events.NewErrorReceived(id, document.StageAuthenticating,
		document.NewEngineError(id, document.StageAuthenticating, errors.New("boom"))))
	src.completed.Publish(&document.ValidationResponse{
		Document: &document.Document{RequestID: id, Kind: document.KindPassport},
		Result:   &document.ValidationResult{Status: document.StatusPass},
		Stage:    document.StageCompleted,
	})

	require.Len(t, pub.msgs, 3)
	assert.Equal(t, SubjectStage, pub.msgs[0].subject)
	assert.Equal(t, SubjectError, pub.msgs[1].subject)
	assert.Equal(t, SubjectDevice, pub.msgs[2].subject)

	var stage events.StageChanged
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &stage))
	assert.Equal(t, id, stage.RequestID)
	assert.Equal(t, document.StageDecoding, stage.Status)

	var em errorMessage
	require.NoError(t, json.Unmarshal(pub.msgs[1].data, &em))
	assert.Equal(t, "engine", em.Kind)
	assert.Equal(t, "Authenticating", em.Stage)
	assert.Contains(t, em.Message, "boom")

	var resp document.ValidationResponse
	require.NoError(t, json.Unmarshal(pub.msgs[2].data, &resp))
	assert.Equal(t, document.StatusPass, resp.Result.Status)

	detach()
	src.stages.Publish(events.StageChanged{RequestID: id, Status: document.StageCompleted})
	assert.Len(t, pub.msgs, 3)
	assert.Zero(t, src.stages.Len())
}

func TestForwarderSurvivesPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	src := newFakeSource()
	NewForwarder(pub, zap.NewNop()).Attach(src)

	src.stages.Publish(events.StageChanged{RequestID: uuid.New(), Status: document.StageReceived})
	src.stages.Publish(events.StageChanged{RequestID: uuid.New(), Status: document.StageReceived})
	assert.Len(t, pub.msgs, 2)
}
