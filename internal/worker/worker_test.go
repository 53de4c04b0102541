package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selma-orchestration/maestro/internal/batch"
	"github.com/selma-orchestration/maestro/internal/domain"
	"github.com/selma-orchestration/maestro/internal/enqueuer/enqueuertest"
	"github.com/selma-orchestration/maestro/internal/worker"
	"github.com/selma-orchestration/maestro/shared/logger"
)

type dispositions map[*batch.MqMessage]batch.Disposition

func (d dispositions) SetDisposition(msg *batch.MqMessage, disp batch.Disposition) error {
	d[msg] = disp
	return nil
}

func baseConfig() worker.Config {
	return worker.Config{
		Queue:       "asr-worker",
		InExchange:  "workers-in",
		OutExchange: "workers-out",
		QueueFormat: "Type.Provider",
		JobInfos: []domain.JobInfo{
			{Type: "asr", Provider: "whisper"},
			{Type: "asr", Provider: "kaldi"},
			{Type: "mt", Provider: "deepl"},
		},
		Concurrency: 2,
		JobTimeout:  time.Second,
	}
}

func echo(_ context.Context, req worker.Request) (worker.Result, error) {
	return worker.Result{Data: req.Data}, nil
}

func newWorker(t *testing.T, broker *enqueuertest.Broker, cfg worker.Config, work worker.WorkFunc) *worker.Worker {
	t.Helper()
	w, err := worker.New(broker, cfg, work, logger.NewNop().Logger)
	require.NoError(t, err)
	return w
}

func request(tag uint64, data string) *batch.MqMessage {
	return &batch.MqMessage{
		DeliveryTag: tag,
		Message: domain.Message{
			JobID:    uuid.New(),
			Type:     domain.MessageRequest,
			Payload:  domain.JSON(data),
			Metadata: domain.JSON(`{"trace":"t1"}`),
		},
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*worker.Config)
		work   worker.WorkFunc
	}{
		{name: "missing queue", modify: func(c *worker.Config) { c.Queue = "" }, work: echo},
		{name: "missing exchange", modify: func(c *worker.Config) { c.OutExchange = "" }, work: echo},
		{name: "missing work", modify: func(*worker.Config) {}},
		{name: "bad format", modify: func(c *worker.Config) { c.QueueFormat = "Type.Color" }, work: echo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.modify(&cfg)
			_, err := worker.New(&enqueuertest.Broker{}, cfg, tt.work, logger.NewNop().Logger)
			assert.Error(t, err)
		})
	}
}

func TestBind(t *testing.T) {
	tests := []struct {
		name   string
		filter domain.JobFilter
		want   []string
	}{
		{name: "type filter", filter: domain.JobFilter{Type: "ASR"}, want: []string{"asr.whisper", "asr.kaldi"}},
		{name: "provider filter", filter: domain.JobFilter{Type: "asr", Provider: "kaldi"}, want: []string{"asr.kaldi"}},
		{name: "wildcard filter", filter: domain.JobFilter{}, want: []string{"asr.whisper", "asr.kaldi", "mt.deepl"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := &enqueuertest.Broker{}
			cfg := baseConfig()
			cfg.Filter = tt.filter
			w := newWorker(t, broker, cfg, echo)

			keys, err := w.Bind(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, keys)

			bindings := broker.Bindings()
			require.Len(t, bindings, len(tt.want))
			for i, b := range bindings {
				assert.Equal(t, enqueuertest.Binding{Exchange: "workers-in", Queue: "asr-worker", RoutingKey: tt.want[i]}, b)
			}
		})
	}
}

func TestBind_Errors(t *testing.T) {
	cfg := baseConfig()
	cfg.Filter = domain.JobFilter{Type: "tts"}
	_, err := newWorker(t, &enqueuertest.Broker{}, cfg, echo).Bind(context.Background())
	assert.Error(t, err)

	broker := &enqueuertest.Broker{BindErr: errors.New("access refused")}
	_, err = newWorker(t, broker, baseConfig(), echo).Bind(context.Background())
	assert.ErrorContains(t, err, "access refused")
}

func TestHandleBatch_PublishesResults(t *testing.T) {
	broker := &enqueuertest.Broker{}
	w := newWorker(t, broker, baseConfig(), func(_ context.Context, req worker.Request) (worker.Result, error) {
		var in struct{ Text string }
		if err := req.Data.Unmarshal(&in); err != nil {
			return worker.Result{}, err
		}
		switch in.Text {
		case "fatal":
			return worker.Result{}, worker.NewFatalError("unsupported_language", "no model for xx")
		case "flaky":
			return worker.Result{}, domain.NewRetryableError(errors.New("gpu busy"))
		case "boom":
			panic("out of memory")
		}
		return worker.Result{Data: domain.JSON(`{"text":"` + in.Text + `!"}`), Billing: domain.JSON(`{"chars":5}`)}, nil
	})

	ok := request(1, `{"text":"hello"}`)
	fatal := request(2, `{"text":"fatal"}`)
	flaky := request(3, `{"text":"flaky"}`)
	boom := request(4, `{"text":"boom"}`)
	notRequest := request(5, `{}`)
	notRequest.Message.Type = domain.MessageFinalResult

	set := dispositions{}
	require.NoError(t, w.HandleBatch(context.Background(), []*batch.MqMessage{ok, fatal, flaky, boom, notRequest}, set))

	assert.Equal(t, batch.Ack, set[ok])
	assert.Equal(t, batch.Ack, set[fatal])
	assert.Equal(t, batch.Requeue, set[flaky])
	assert.Equal(t, batch.Ack, set[boom])
	assert.Equal(t, batch.Nack, set[notRequest])

	results := map[uuid.UUID]enqueuertest.Published{}
	for _, p := range broker.PublishedTo("workers-out") {
		results[p.Message.JobID] = p
	}
	require.Len(t, results, 3)

	res := results[ok.Message.JobID]
	assert.Equal(t, worker.RoutingKeyFinalResult, res.RoutingKey)
	assert.JSONEq(t, `{"trace":"t1"}`, string(res.Message.Metadata))
	payload, err := res.Message.FinalResult()
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello!"}`, string(payload.Data))
	assert.JSONEq(t, `{"chars":5}`, string(payload.Billing))

	var errPayload domain.ErrorPayload
	res = results[fatal.Message.JobID]
	assert.Equal(t, worker.RoutingKeyError, res.RoutingKey)
	require.NoError(t, res.Message.Payload.Unmarshal(&errPayload))
	assert.Equal(t, "unsupported_language", errPayload.Type)
	assert.Equal(t, "no model for xx", errPayload.Message)

	res = results[boom.Message.JobID]
	require.NoError(t, res.Message.Payload.Unmarshal(&errPayload))
	assert.Equal(t, worker.ErrorTypeWorker, errPayload.Type)
	assert.Contains(t, errPayload.Message, "out of memory")
}

func TestHandleBatch_Timeout(t *testing.T) {
	broker := &enqueuertest.Broker{}
	cfg := baseConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	w := newWorker(t, broker, cfg, func(ctx context.Context, _ worker.Request) (worker.Result, error) {
		<-ctx.Done()
		return worker.Result{}, ctx.Err()
	})

	msg := request(1, `{}`)
	set := dispositions{}
	require.NoError(t, w.HandleBatch(context.Background(), []*batch.MqMessage{msg}, set))
	assert.Equal(t, batch.Ack, set[msg])

	published := broker.PublishedTo("workers-out")
	require.Len(t, published, 1)
	var payload domain.ErrorPayload
	require.NoError(t, published[0].Message.Payload.Unmarshal(&payload))
	assert.Equal(t, worker.ErrorTypeTimeout, payload.Type)
}

func TestHandleBatch_RequeuesOnShutdown(t *testing.T) {
	broker := &enqueuertest.Broker{}
	w := newWorker(t, broker, baseConfig(), func(ctx context.Context, _ worker.Request) (worker.Result, error) {
		<-ctx.Done()
		return worker.Result{}, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := request(1, `{}`)
	set := dispositions{}
	require.NoError(t, w.HandleBatch(ctx, []*batch.MqMessage{msg}, set))
	assert.Equal(t, batch.Requeue, set[msg])
	assert.Empty(t, broker.Published())
}

func TestHandleBatch_PublishFailureRequeues(t *testing.T) {
	broker := &enqueuertest.Broker{PublishErr: errors.New("channel closed")}
	w := newWorker(t, broker, baseConfig(), echo)

	msg := request(1, `{"a":1}`)
	set := dispositions{}
	require.NoError(t, w.HandleBatch(context.Background(), []*batch.MqMessage{msg}, set))
	assert.Equal(t, batch.Requeue, set[msg])
}

func TestHandleBatch_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	w := newWorker(t, &enqueuertest.Broker{}, baseConfig(), func(_ context.Context, req worker.Request) (worker.Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return worker.Result{Data: req.Data}, nil
	})

	msgs := make([]*batch.MqMessage, 8)
	for i := range msgs {
		msgs[i] = request(uint64(i+1), `{}`)
	}
	set := dispositions{}
	require.NoError(t, w.HandleBatch(context.Background(), msgs, set))

	assert.LessOrEqual(t, peak.Load(), int32(2))
	for _, msg := range msgs {
		assert.Equal(t, batch.Ack, set[msg])
	}
}

type failingSource struct{}

func (failingSource) Subscribe(context.Context) (batch.Subscription, error) {
	return nil, errors.New("max connection retries exceeded")
}

func TestRun(t *testing.T) {
	cfg := baseConfig()
	cfg.Filter = domain.JobFilter{Type: "tts"}
	err := newWorker(t, &enqueuertest.Broker{}, cfg, echo).Run(context.Background(), failingSource{}, batch.Options{})
	assert.ErrorContains(t, err, "no configured job kind")

	err = newWorker(t, &enqueuertest.Broker{}, baseConfig(), echo).Run(context.Background(), failingSource{}, batch.Options{})
	assert.ErrorContains(t, err, "max connection retries exceeded")
}
