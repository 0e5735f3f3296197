package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/api"
	"github.com/khrystyna-dutka/Masterwork/pkg/forecast"
	"github.com/khrystyna-dutka/Masterwork/pkg/httpx"
	"github.com/khrystyna-dutka/Masterwork/pkg/models"
	"github.com/khrystyna-dutka/Masterwork/pkg/monitor"
)

var at = time.Date(2024, 6, 10, 13, 0, 0, 0, time.UTC)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /forecast/current", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(api.StaleHeader, "true")
		httpx.WriteJSON(w, http.StatusOK, api.ZoneForecast{
			Zone: 2, ZoneName: "Frankivskyi",
			Forecasts: []api.ForecastPoint{{Time: at, AQI: 61, Status: "Moderate", Dominant: "pm25",
				Pollutants: map[string]float64{"pm25": 17.5, "pm10": 30}, Confidence: 0.95}},
		})
	})
	mux.HandleFunc("POST /forecast", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("zone") != "" {
			httpx.WriteErrorMessage(w, http.StatusNotFound, "zone 5: artifact not found")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, api.ForecastAllResponse{
			Zones: []api.ZoneForecast{
				{Zone: 1, ZoneName: "Halytskyi", Forecasts: []api.ForecastPoint{{Time: at, AQI: 40, Status: "Good"}}},
				{Zone: 2, ZoneName: "Frankivskyi", Error: "artifact not found"},
			},
			Failed: 1,
		})
	})
	mux.HandleFunc("POST /train", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("days") != "14" {
			t.Errorf("days = %q, want 14", r.URL.Query().Get("days"))
		}
		httpx.WriteJSON(w, http.StatusOK, api.TrainResponse{
			Zone: 1, ZoneName: "Halytskyi", Improvement: 0.25,
			Report: forecast.Report{Kind: models.KindBoosted, TrainSamples: 160, ValSamples: 40, BaselineMAE: 4,
				Evaluation: models.Evaluation{MeanMAE: 3}},
		})
	})
	mux.HandleFunc("POST /monitor", func(w http.ResponseWriter, r *http.Request) {
		d := monitor.Decision{Zone: 3, From: monitor.Healthy, To: monitor.Drifted, Reason: monitor.ReasonHighError,
			Accuracy: &monitor.Accuracy{MAE: 4.25, Pairs: 24}}
		httpx.WriteJSON(w, http.StatusOK, api.MonitorResponse{Decisions: []api.Decision{{Decision: d, Error: "retrain zone 3: boom"}}})
	})
	mux.HandleFunc("GET /models/status", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, api.StatusResponse{Zones: []api.ZoneStatus{
			{ModelStatus: forecast.ModelStatus{Zone: 2, Name: "Frankivskyi"}, State: "stale"},
			{ModelStatus: forecast.ModelStatus{Zone: 1, Name: "Halytskyi", Exists: true, Kind: models.KindRecurrent, TrainedAt: at, MeanMAE: 2.5}, State: "healthy"},
		}})
	})
	mux.HandleFunc("GET /scaler", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, api.ScalerResponse{Zone: 1, Columns: []string{"pm25", "pm10"}, Min: []float64{1, 2}, Max: []float64{80, 120}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRun(t *testing.T) {
	srv := fakeServer(t)
	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  []string
		wantErr  string
	}{
		{"current", []string{"current", "-zone", "2"}, 0,
			[]string{"warning: forecast is stale", "zone 2 Frankivskyi", "2024-06-10 13:00", "Moderate", "17.5"}, ""},
		{"forecast all reports failures", []string{"forecast", "-hours", "6"}, 1,
			[]string{"zone 1 Halytskyi", "error: artifact not found"}, "1 of 2 zones failed"},
		{"forecast server error", []string{"forecast", "-zone", "5"}, 1, nil, "artifact not found"},
		{"train", []string{"train", "-zone", "1", "-days", "14"}, 0,
			[]string{"trained (xgboost)", "160 train / 40 validation", "improvement  25.0%"}, ""},
		{"monitor", []string{"monitor"}, 0, []string{"drifted", "high_error", "4.250", "retrain zone 3: boom"}, ""},
		{"scaler", []string{"scaler", "-zone=1"}, 0, []string{"pm10", "120"}, ""},
		{"missing zone", []string{"train"}, 2, nil, "usage: aqctl train"},
		{"bad flag", []string{"status", "-zone", "1"}, 2, nil, "usage: aqctl status"},
		{"unknown command", []string{"predict"}, 2, nil, `unknown command "predict"`},
		{"no command", nil, 2, nil, "usage: aqctl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			args := append([]string{"-server", srv.URL}, tt.args...)
			if code := run(context.Background(), args, &stdout, &stderr); code != tt.wantCode {
				t.Fatalf("exit code = %d, want %d; stderr: %s", code, tt.wantCode, stderr.String())
			}
			for _, s := range tt.wantOut {
				if !strings.Contains(stdout.String(), s) {
					t.Errorf("stdout missing %q:\n%s", s, stdout.String())
				}
			}
			if tt.wantErr != "" && !strings.Contains(stderr.String(), tt.wantErr) {
				t.Errorf("stderr missing %q:\n%s", tt.wantErr, stderr.String())
			}
		})
	}
}

func TestRun_StatusSortedByZone(t *testing.T) {
	srv := fakeServer(t)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-server", srv.URL, "status"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d: %s", code, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[1], "1") || !strings.Contains(lines[1], "lstm") {
		t.Errorf("first row = %q, want zone 1 with its model", lines[1])
	}
	if !strings.HasPrefix(lines[2], "2") || !strings.Contains(lines[2], "stale") {
		t.Errorf("second row = %q", lines[2])
	}
}

func TestRun_JSON(t *testing.T) {
	srv := fakeServer(t)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-server", srv.URL + "/", "-json", "scaler", "-zone", "1"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d: %s", code, stderr.String())
	}
	var got api.ScalerResponse
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Zone != 1 || len(got.Columns) != 2 || got.Max[1] != 120 {
		t.Errorf("scaler = %+v", got)
	}
}

func TestRun_ServerFromEnv(t *testing.T) {
	srv := fakeServer(t)
	t.Setenv("AQ_SERVER", srv.URL)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"scaler", "-zone", "1"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d: %s", code, stderr.String())
	}
}
