package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ledgerflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestHealth_Ready_Health(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := services.NewAutomationEngine(services.EngineOptions{Production: true}, nil, logrus.New())
	defer engine.Stop()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	h := NewHealthHandler(engine, services.NewExecutionFeed(logrus.New()), db, "test")
	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)

	// 引擎未启动时没有总线订阅者
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/ready", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready before start: %d", w.Code)
	}

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/ready", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("ready status: %d", w.Code)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("health status: %d", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Version != "test" {
		t.Errorf("unexpected health: %+v", resp)
	}
	for _, name := range []string{"automation", "feed", "database"} {
		if _, ok := resp.Services[name]; !ok {
			t.Errorf("missing service %q", name)
		}
	}
}

func TestHealth_ReportsOpenBreakers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	api := services.NewHTTPAPIDispatcher(time.Second, services.CircuitBreakerConfig{
		MaxFailures: 1, ResetTimeout: time.Hour, HalfOpenMaxReqs: 1,
	}, logrus.New())
	engine := services.NewAutomationEngine(services.EngineOptions{
		Production:    true,
		Collaborators: services.ActionCollaborators{API: api},
	}, nil, logrus.New())
	defer engine.Stop()

	if _, err := api.Do(context.Background(), services.APIRequest{Method: "POST", Endpoint: upstream.URL}); err == nil {
		t.Fatal("expected upstream failure")
	}

	h := NewHealthHandler(engine, nil, nil, "test")
	r := gin.New()
	r.GET("/health", h.Health)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	r.ServeHTTP(w, req)

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	info, ok := resp.Services["api"]
	if !ok {
		t.Fatalf("missing api service: %+v", resp.Services)
	}
	if info.Status != "degraded" {
		t.Errorf("api status = %q, want degraded", info.Status)
	}
	breakers, _ := info.Details.(map[string]interface{})
	if len(breakers) != 1 {
		t.Errorf("expected one breaker in details, got %v", info.Details)
	}
}
