package export

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/crossyield-keeper/internal/circuitbreaker"
	"github.com/yourorg/crossyield-keeper/internal/model"
	"github.com/yourorg/crossyield-keeper/internal/report"
	"github.com/yourorg/crossyield-keeper/internal/types"
)

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type okPipeline struct{}

func (okPipeline) BuildAndSign(_ context.Context, req report.Request) (report.SignedReport, error) {
	return report.SignedReport{Kind: req.Kind}, nil
}

func (okPipeline) Submit(_ context.Context, dest types.ChainConfig, r report.SignedReport) model.WriteOutcome {
	return model.WriteOutcome{DestChain: dest.Name, Kind: r.Kind, TxStatus: model.TxStatusSuccess}
}

func webhook(t *testing.T, status int) (*httptest.Server, func() []received) {
	t.Helper()
	var mu sync.Mutex
	var events []received

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var ev received
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&ev)) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), events...)
	}
}

func TestExportCycle(t *testing.T) {
	srv, events := webhook(t, http.StatusOK)
	logger, _ := test.NewNullLogger()
	e := NewExporter(ExporterConfig{WebhookURL: srv.URL, WebhookAPIKey: "key"}, logger)

	e.ExportCycle(model.CycleResult{
		CycleID:       "c-1",
		Status:        model.CycleStatusSuccess,
		Timestamp:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ChainsUpdated: 1,
		Observations:  []model.YieldObservation{{ChainName: "sepolia", SupplyRate: big.NewInt(78400000000000000)}},
	}, nil)
	e.Flush()

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, EventCycle, got[0].Type)

	var summary model.Summary
	require.NoError(t, json.Unmarshal(got[0].Data, &summary))
	assert.Equal(t, "c-1", summary.CycleID)
	assert.Equal(t, "7.84%", summary.YieldRates[0].APY)

	assert.Equal(t, 1, e.Status()["exported"])
}

func TestExportTrip(t *testing.T) {
	srv, events := webhook(t, http.StatusAccepted)
	logger, _ := test.NewNullLogger()
	e := NewExporter(ExporterConfig{WebhookURL: srv.URL, WebhookAPIKey: "key"}, logger)

	e.ExportTrip(circuitbreaker.Trip{Reason: model.ReasonAnomalyDetected, At: time.Now()})
	e.Flush()

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, EventTrip, got[0].Type)
}

func TestExportTrip_FlushAfterPause(t *testing.T) {
	srv, events := webhook(t, http.StatusOK)
	logger, _ := test.NewNullLogger()
	e := NewExporter(ExporterConfig{WebhookURL: srv.URL, WebhookAPIKey: "key"}, logger)

	cb := circuitbreaker.New(okPipeline{}, logger).WithTripCallback(e.ExportTrip)
	cb.PauseAllWithReason(context.Background(), []types.ChainConfig{{Name: "sepolia", Selector: 1}}, model.ReasonAnomalyDetected)
	e.Flush()

	got := events()
	require.Len(t, got, 1, "trip queued by the pause is delivered before Flush returns")
	assert.Equal(t, EventTrip, got[0].Type)
}

func TestSend_ErrorStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	e := NewExporter(ExporterConfig{WebhookURL: srv.URL}, logger)

	err := e.Send(context.Background(), Event{Type: EventCycle})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
	assert.Equal(t, 1, e.Status()["failed"])
}

func TestDisabledExporter(t *testing.T) {
	logger, _ := test.NewNullLogger()
	e := NewExporter(ExporterConfig{}, logger)
	assert.False(t, e.Enabled())

	e.ExportCycle(model.CycleResult{CycleID: "x"}, nil)
	e.Flush()
	assert.Error(t, e.Send(context.Background(), Event{}))

	var nilExporter *Exporter
	assert.False(t, nilExporter.Enabled())
	assert.NotPanics(t, func() {
		nilExporter.ExportCycle(model.CycleResult{CycleID: "x"}, nil)
		nilExporter.Flush()
		_ = nilExporter.Status()
	})
}
