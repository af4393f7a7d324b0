package stage

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/docflow/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successBody = `{
	"code": 200,
	"message": "ok",
	"data": {
		"elements": [
			{"element_id": "e1", "text": "first", "metadata": {"record_id": "r1", "embedded": [0.1, 0.2]}},
			{"element_id": "e2", "text": "second", "metadata": {"record_id": "r1", "embedded": [0.3, 0.4]}}
		],
		"stats": {"original_elements": 5, "chunked_elements": 2, "embedded_elements": 2}
	}
}`

type capturedRequest struct {
	path     string
	fileName string
	content  []byte
	stages   string
	header   http.Header
	at       time.Time
}

type fakeService struct {
	mu       sync.Mutex
	requests []capturedRequest
	respond  func(n int) (int, string)
}

func newFakeService(t *testing.T, respond func(n int) (int, string)) (*fakeService, *httptest.Server) {
	t.Helper()
	svc := &fakeService{respond: respond}
	srv := httptest.NewServer(http.HandlerFunc(svc.handle))
	t.Cleanup(srv.Close)
	return svc, srv
}

func (f *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	req := capturedRequest{path: r.URL.Path, header: r.Header.Clone(), at: time.Now()}
	if reader, err := r.MultipartReader(); err == nil {
		for {
			part, err := reader.NextPart()
			if err != nil {
				break
			}
			body, _ := io.ReadAll(part)
			switch part.FormName() {
			case "stages":
				req.stages = string(body)
			case "file":
				// Part.FileName drops directories; the raw header keeps the key.
				_, params, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
				req.fileName = params["filename"]
				req.content = body
			}
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()

	status, body := f.respond(n)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (f *fakeService) calls() []capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedRequest(nil), f.requests...)
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts []int
	failures int
}

func (o *recordingObserver) AttemptFinished(_ string, attempt int, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, attempt)
	if err != nil {
		o.failures++
	}
}

func always(status int, body string) func(int) (int, string) {
	return func(int) (int, string) { return status, body }
}

func newTestInvoker(t *testing.T, url string, opts ...Option) *Invoker {
	t.Helper()
	opts = append([]Option{WithRetryDelay(0), WithTimeout(5 * time.Second)}, opts...)
	inv, err := NewInvoker(url, DefaultSet(), opts...)
	require.NoError(t, err)
	return inv
}

func TestInvoke_Success(t *testing.T) {
	svc, srv := newFakeService(t, always(http.StatusOK, successBody))
	inv := newTestInvoker(t, srv.URL+"/", WithHeaders(map[string]string{"x-ti-app-id": "app"}))

	res, err := inv.Invoke(context.Background(), []byte("%PDF-1.4 body"), "docs/a.pdf")
	require.NoError(t, err)

	require.Len(t, res.Elements, 2)
	assert.Equal(t, "e1", res.Elements[0].ID())
	assert.Equal(t, "second", res.Elements[1].Text())
	assert.Equal(t, core.StageCounts{OriginalElements: 5, ChunkedElements: 2, EmbeddedElements: 2}, res.Stats.StageCounts)
	assert.Equal(t, "textin", res.Stats.ParseConfig["provider"])
	assert.Equal(t, "basic", res.Stats.ChunkConfig["strategy"])
	assert.Equal(t, "text-embedding-v3", res.Stats.EmbedConfig["model_name"])

	calls := svc.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/pipeline", calls[0].path)
	assert.Equal(t, "docs/a.pdf", calls[0].fileName)
	assert.Equal(t, []byte("%PDF-1.4 body"), calls[0].content)
	assert.Equal(t, "app", calls[0].header.Get("x-ti-app-id"))

	decoded, err := DecodeSet(calls[0].stages)
	require.NoError(t, err)
	assert.Equal(t, DefaultSet(), decoded)
}

func TestInvoke_ExhaustsThreeAttemptsWithFixedDelay(t *testing.T) {
	const delay = 40 * time.Millisecond
	svc, srv := newFakeService(t, always(http.StatusInternalServerError, `{"error":"boom"}`))
	observer := &recordingObserver{}
	inv := newTestInvoker(t, srv.URL, WithRetryDelay(delay), WithObserver(observer))

	res, err := inv.Invoke(context.Background(), []byte("x"), "a.pdf")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInvocationFailed)
	assert.ErrorIs(t, err, core.ErrTransport)

	calls := svc.calls()
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		gap := calls[i].at.Sub(calls[i-1].at)
		assert.GreaterOrEqual(t, gap, delay, "gap before attempt %d", i+1)
	}
	assert.Equal(t, []int{1, 2, 3}, observer.attempts)
	assert.Equal(t, 3, observer.failures)
}

func TestInvoke_EnvelopeFailures(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		calls int
	}{
		{name: "non success code", body: `{"code": 500, "message": "parse failed"}`, calls: 1},
		{name: "missing data", body: `{"code": 200}`, calls: 1},
		{name: "missing elements", body: `{"code": 200, "data": {"stats": {}}}`, calls: 1},
		{name: "missing stats", body: `{"code": 200, "data": {"elements": []}}`, calls: 1},
		{name: "element without metadata", body: `{"code": 200, "data": {"elements": [{"text": "x"}], "stats": {}}}`, calls: 1},
		{name: "not json", body: `<html>gateway</html>`, calls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, srv := newFakeService(t, always(http.StatusOK, tt.body))
			observer := &recordingObserver{}
			inv := newTestInvoker(t, srv.URL, WithObserver(observer))

			var (
				res *Result
				err error
			)
			assert.NotPanics(t, func() {
				res, err = inv.Invoke(context.Background(), []byte("x"), "b.pdf")
			})
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrInvocationFailed)
			assert.ErrorIs(t, err, ErrMalformedResponse)
			assert.Len(t, svc.calls(), tt.calls)
			assert.Equal(t, tt.calls, observer.failures)
		})
	}
}

func TestInvoke_EventualSuccess(t *testing.T) {
	svc, srv := newFakeService(t, func(n int) (int, string) {
		if n == 1 {
			return http.StatusBadGateway, "bad gateway"
		}
		return http.StatusOK, successBody
	})
	inv := newTestInvoker(t, srv.URL)

	res, err := inv.Invoke(context.Background(), []byte("x"), "a.pdf")
	require.NoError(t, err)
	assert.Len(t, res.Elements, 2)
	assert.Len(t, svc.calls(), 2)
}

func TestInvoke_EmptyContentIsStillSent(t *testing.T) {
	svc, srv := newFakeService(t, always(http.StatusOK, `{"code":200,"data":{"elements":[],"stats":{}}}`))
	inv := newTestInvoker(t, srv.URL)

	res, err := inv.Invoke(context.Background(), nil, "empty.pdf")
	require.NoError(t, err)
	assert.Empty(t, res.Elements)
	assert.Equal(t, core.StageCounts{}, res.Stats.StageCounts)

	calls := svc.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "empty.pdf", calls[0].fileName)
	assert.Empty(t, calls[0].content)
}

func TestInvoke_ContextCanceledStopsRetrying(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	inv := newTestInvoker(t, srv.URL, WithRetryDelay(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := inv.Invoke(ctx, []byte("x"), "a.pdf")
	assert.ErrorIs(t, err, ErrInvocationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewInvoker_Validation(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	set := DefaultSet()
	set.Embed = EmbedConfig{Provider: EmbedQwen, ModelName: "doubao-embedding-large-text-250515"}
	_, err := NewInvoker(srv.URL, set)
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Zero(t, hits.Load())

	_, err = NewInvoker("  ", DefaultSet())
	assert.ErrorIs(t, err, core.ErrConfiguration)
	assert.ErrorIs(t, err, ErrBaseURLRequired)

	_, err = NewInvoker(srv.URL, DefaultSet(), WithAttempts(0))
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = NewInvoker(srv.URL, DefaultSet(), WithRetryDelay(-time.Second))
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = NewInvoker(srv.URL, DefaultSet(), WithTimeout(0))
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestInvoke_SingleAttempt(t *testing.T) {
	svc, srv := newFakeService(t, always(http.StatusInternalServerError, ""))
	inv := newTestInvoker(t, srv.URL, WithAttempts(1))

	_, err := inv.Invoke(context.Background(), []byte("x"), "a.pdf")
	assert.ErrorIs(t, err, ErrInvocationFailed)
	assert.Len(t, svc.calls(), 1)
}

func TestInvoker_Endpoint(t *testing.T) {
	inv := newTestInvoker(t, "http://localhost:8000/api/xparse/")
	assert.Equal(t, "http://localhost:8000/api/xparse/pipeline", inv.Endpoint())
	assert.Equal(t, DefaultSet(), inv.Stages())
}
