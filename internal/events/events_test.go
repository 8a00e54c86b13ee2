package events

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, ev domain.Event) error {
	return m.Called(ctx, ev).Error(0)
}

func TestEmitterSwallowsPublishErrors(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(ev domain.Event) bool {
		return ev.Type == domain.EventOrderCompleted && ev.Subject == "ord-1" && !ev.At.IsZero()
	})).Return(errors.New("broker down")).Once()

	NewEmitter(pub, nil).Emit(context.Background(), domain.EventOrderCompleted, "ord-1", "user-1", nil)
	pub.AssertExpectations(t)
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	em := NewEmitter(rec, nil)
	em.Emit(context.Background(), domain.EventTaskCompleted, "t1", "", map[string]any{"retries": 0})
	em.Emit(context.Background(), domain.EventTaskFailed, "t2", "", nil)
	assert.Equal(t, []domain.EventType{domain.EventTaskCompleted, domain.EventTaskFailed}, rec.Types())

	var nilEmitter *Emitter
	nilEmitter.Emit(context.Background(), domain.EventTaskFailed, "t3", "", nil)
}

func TestAMQPPublisher(t *testing.T) {
	url := os.Getenv("AMQP_TEST_URL")
	if url == "" {
		t.Skip("AMQP_TEST_URL not set")
	}
	pub, err := DialAMQP(url, "airzone.events.test")
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Ping())
	require.NoError(t, pub.Publish(context.Background(), domain.Event{Type: domain.EventOrderCompleted, Subject: "ord-1"}))
}
