package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closeloop/internal/config"
	"closeloop/internal/domain"
	"closeloop/internal/logging"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func sampleEvents() []domain.EscalationEvent {
	return []domain.EscalationEvent{
		{ID: "esc-qa-1-critical", CaseID: "CASE-2026-AAAA1111", ActionID: "qa-1", Type: domain.EscalationCriticalOverdue, Recipients: []string{"QAPI Coordinator"}},
		{ID: "esc-qa-2-stale", CaseID: "CASE-2026-BBBB2222", ActionID: "qa-2", Type: domain.EscalationStaleCase, Recipients: []string{"Director of Nursing"}},
	}
}

func TestKafkaPublisherOneMessagePerEvent(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "esc", log: logging.Nop()}

	require.NoError(t, p.Publish(context.Background(), sampleEvents()))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "CASE-2026-AAAA1111", string(w.msgs[0].Key))
	assert.Equal(t, "CASE-2026-BBBB2222", string(w.msgs[1].Key))

	var decoded domain.EscalationEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "esc-qa-1-critical", decoded.ID)
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)

	require.NoError(t, p.Publish(context.Background(), nil))
	assert.Len(t, w.msgs, 2)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherWrapsError(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &fakeWriter{err: boom}, topic: "esc", log: logging.Nop()}
	err := p.Publish(context.Background(), sampleEvents())
	assert.ErrorIs(t, err, boom)
}

func TestWebhookPublisherSignsAndFilters(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "sha256="+Sign("s3cr3t", body), r.Header.Get(HeaderSignature))
		mu.Lock()
		received = append(received, r.Header.Get(HeaderDelivery))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(config.WebhookConfig{URL: srv.URL, Secret: "s3cr3t", Events: []string{domain.EscalationStaleCase}}, nil)
	require.NoError(t, p.Publish(context.Background(), sampleEvents()))
	assert.Equal(t, []string{"esc-qa-2-stale"}, received)
}

func TestWebhookPublisherReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(config.WebhookConfig{URL: srv.URL}, nil)
	err := p.Publish(context.Background(), sampleEvents())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

type recordingPublisher struct {
	got []domain.EscalationEvent
	err error
}

func (r *recordingPublisher) Publish(_ context.Context, events []domain.EscalationEvent) error {
	r.got = append(r.got, events...)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func TestMultiPublishesToAll(t *testing.T) {
	a, b := &recordingPublisher{}, &recordingPublisher{err: errors.New("b failed")}
	m := Multi{a, b}
	err := m.Publish(context.Background(), sampleEvents())
	assert.ErrorContains(t, err, "b failed")
	assert.Len(t, a.got, 2)
	assert.Len(t, b.got, 2)
	assert.NoError(t, m.Close())
}

func TestFromConfig(t *testing.T) {
	disabled := false
	cfg := config.NotifyConfig{
		Kafka: config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "esc"},
		Webhooks: []config.WebhookConfig{
			{URL: "https://example.test/a"},
			{URL: "https://example.test/b", Enabled: &disabled},
		},
	}
	pub := FromConfig(cfg, logging.Nop())
	m, ok := pub.(Multi)
	require.True(t, ok)
	assert.Len(t, m, 3)
	assert.NoError(t, LogPublisher{}.Publish(context.Background(), sampleEvents()))
}
