package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/takehaya/tgctl/pkg/switchif"
	"github.com/takehaya/tgctl/pkg/telemetry"
	"github.com/takehaya/tgctl/pkg/tg"
)

type fakeService struct {
	cfg      *tg.Configuration
	startErr error
	stopErr  error
	resetErr error
	req      tg.Request
	resets   int
}

func (f *fakeService) StartTraffic(_ context.Context, req tg.Request) (*tg.Configuration, error) {
	f.req = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.cfg = &tg.Configuration{Mode: req.Mode, Streams: req.Streams, OverallRate: 10}
	return f.cfg, nil
}

func (f *fakeService) StopTraffic(context.Context) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.cfg = nil
	return nil
}

func (f *fakeService) Reset(context.Context) error {
	f.resets++
	return f.resetErr
}

func (f *fakeService) Configuration() *tg.Configuration { return f.cfg }

func (f *fakeService) Statistics(context.Context) telemetry.Statistics {
	return telemetry.Statistics{PacketLoss: map[uint32]uint64{128: 7}}
}

func (f *fakeService) Tables(context.Context) (map[string][]switchif.Entry, error) {
	return map[string][]switchif.Entry{switchif.TableFrameSize: {}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if ct := rec.Header().Get("Content-Type"); rec.Code != http.StatusMethodNotAllowed && ct != "application/json" {
		t.Errorf("%s %s: content type %q", method, path, ct)
	}
	var out map[string]any
	if rec.Code != http.StatusMethodNotAllowed {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: invalid json %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestTrafficGenLifecycle(t *testing.T) {
	svc := &fakeService{}
	h := NewServer(zap.NewNop(), ":0", svc).Router()

	rec, body := do(t, h, http.MethodGet, "/api/trafficgen", "")
	if rec.Code != http.StatusOK || len(body) != 0 {
		t.Fatalf("idle GET = %d %v", rec.Code, body)
	}

	post := `{"mode":"CBR","streams":[{"stream_id":1,"app_id":1,"frame_size":64,"traffic_rate":10,"burst":1}],
		"stream_settings":[],"port_tx_rx_mapping":{"136":"128","128":""}}`
	rec, body = do(t, h, http.MethodPost, "/api/trafficgen", post)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST = %d %v", rec.Code, body)
	}
	if svc.req.TxRxMapping[136] != 128 || len(svc.req.TxRxMapping) != 1 || len(svc.req.Streams) != 1 {
		t.Errorf("decoded request = %+v", svc.req)
	}

	rec, body = do(t, h, http.MethodGet, "/api/trafficgen", "")
	if rec.Code != http.StatusOK || body["mode"] != "CBR" {
		t.Fatalf("running GET = %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodDelete, "/api/trafficgen", "")
	if rec.Code != http.StatusOK || body["message"] != "Traffic gen stopped." {
		t.Fatalf("DELETE = %d %v", rec.Code, body)
	}
}

func TestTrafficGenErrors(t *testing.T) {
	svc := &fakeService{startErr: tg.ErrAlreadyRunning, stopErr: tg.ErrNotRunning}
	h := NewServer(zap.NewNop(), ":0", svc).Router()

	rec, body := do(t, h, http.MethodPost, "/api/trafficgen", `{"mode":"CBR"}`)
	if rec.Code != http.StatusBadRequest || body["message"] != tg.ErrAlreadyRunning.Error() {
		t.Errorf("POST = %d %v", rec.Code, body)
	}
	rec, body = do(t, h, http.MethodPost, "/api/trafficgen", `{"mode":`)
	if rec.Code != http.StatusBadRequest || body["message"] == nil {
		t.Errorf("malformed POST = %d %v", rec.Code, body)
	}
	rec, body = do(t, h, http.MethodDelete, "/api/trafficgen", "")
	if rec.Code != http.StatusBadRequest || body["message"] != tg.ErrNotRunning.Error() {
		t.Errorf("DELETE = %d %v", rec.Code, body)
	}
}

func TestReset(t *testing.T) {
	svc := &fakeService{}
	h := NewServer(zap.NewNop(), ":0", svc).Router()

	rec, body := do(t, h, http.MethodGet, "/api/reset", "")
	if rec.Code != http.StatusOK || body["message"] != "Reset complete." {
		t.Fatalf("reset = %d %v", rec.Code, body)
	}

	svc.resetErr = errors.New("register unavailable")
	rec, body = do(t, h, http.MethodGet, "/api/reset", "")
	if rec.Code != http.StatusInternalServerError || body["message"] != "register unavailable" {
		t.Fatalf("failed reset = %d %v", rec.Code, body)
	}
	if svc.resets != 2 {
		t.Errorf("resets = %d", svc.resets)
	}
}

func TestQueries(t *testing.T) {
	h := NewServer(zap.NewNop(), ":0", &fakeService{}).Router()

	rec, body := do(t, h, http.MethodGet, "/api/statistics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("statistics = %d", rec.Code)
	}
	loss, ok := body["packet_loss"].(map[string]any)
	if !ok || loss["128"] != float64(7) {
		t.Errorf("packet_loss = %v", body["packet_loss"])
	}

	rec, body = do(t, h, http.MethodGet, "/api/online", "")
	if rec.Code != http.StatusOK || body["status"] != "online" {
		t.Errorf("online = %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodGet, "/api/tables", "")
	if _, ok := body[switchif.TableFrameSize]; rec.Code != http.StatusOK || !ok {
		t.Errorf("tables = %d %v", rec.Code, body)
	}

	rec, _ = do(t, h, http.MethodPut, "/api/trafficgen", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT = %d", rec.Code)
	}
}
