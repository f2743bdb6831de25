package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/procflow/pkg/api"
)

func TestInterpolate(t *testing.T) {
	vars := map[string]any{
		"name":     "Alice",
		"amount":   1200,
		"customer": map[string]any{"email": "alice@example.com"},
		"items":    []any{"a", "b"},
	}

	require.Equal(t, "Hello Alice", Interpolate("Hello {{name}}", vars))
	require.Equal(t, "Hello Alice", Interpolate("Hello {{ name }}", vars))
	require.Equal(t, "to alice@example.com", Interpolate("to {{customer.email}}", vars))
	require.Equal(t, "amount=1200", Interpolate("amount={{amount}}", vars))
	require.Equal(t, `items=["a","b"]`, Interpolate("items={{items}}", vars))
	require.Equal(t, "missing=", Interpolate("missing={{nope}}", vars))
	require.Equal(t, "no placeholders", Interpolate("no placeholders", vars))
}

func TestInterpolateConfig_KeepsTypesForWholePlaceholders(t *testing.T) {
	vars := map[string]any{"amount": 1200, "id": "o-1"}
	cfg := map[string]any{
		"url":     "https://api.example.com/orders/{{id}}",
		"timeout": 500,
		"body":    map[string]any{"amount": "{{amount}}", "note": "order {{id}}"},
		"tags":    []any{"{{id}}", "static"},
	}

	got := InterpolateConfig(cfg, vars)
	require.Equal(t, "https://api.example.com/orders/o-1", got["url"])
	require.Equal(t, 500, got["timeout"])
	require.Equal(t, map[string]any{"amount": 1200, "note": "order o-1"}, got["body"])
	require.Equal(t, []any{"o-1", "static"}, got["tags"])

	// Input is not mutated.
	require.Equal(t, "{{amount}}", cfg["body"].(map[string]any)["amount"])
}

func TestRegistry_DispatchesAndInterpolates(t *testing.T) {
	r := NewRegistry(nil)
	var seen api.ServiceRequest
	r.Register("echo", api.ServiceHandlerFunc(func(ctx context.Context, req api.ServiceRequest) (map[string]any, error) {
		seen = req
		return map[string]any{"echo": req.Config["msg"]}, nil
	}))

	out, err := r.Execute(context.Background(), api.ServiceRequest{
		ServiceType: "echo",
		Config:      map[string]any{"msg": "hi {{who}}"},
		Variables:   map[string]any{"who": "bob"},
	})
	require.NoError(t, err)
	require.Equal(t, "hi bob", out["echo"])
	require.Equal(t, "hi bob", seen.Config["msg"])
	require.Equal(t, []string{"echo"}, r.Types())
}

func TestRegistry_UnknownTypeAndHandlerErrors(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("boom", api.ServiceHandlerFunc(func(ctx context.Context, req api.ServiceRequest) (map[string]any, error) {
		return nil, errors.New("boom")
	}))

	_, err := r.Execute(context.Background(), api.ServiceRequest{ServiceType: "nope", TaskID: "t1"})
	var se *api.ServiceExecutionError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "nope", se.ServiceType)
	require.Equal(t, "t1", se.TaskID)

	_, err = r.Execute(context.Background(), api.ServiceRequest{ServiceType: "boom", TaskID: "t2"})
	require.True(t, errors.As(err, &se))
	require.EqualError(t, se.Err, "boom")
}

func TestRegistry_RecoversHandlerPanic(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("crash", api.ServiceHandlerFunc(func(ctx context.Context, req api.ServiceRequest) (map[string]any, error) {
		var seen map[string]bool
		seen[req.TaskID] = true
		return nil, nil
	}))

	out, err := r.Execute(context.Background(), api.ServiceRequest{ServiceType: "crash", TaskID: "t3"})
	require.Nil(t, out)
	var se *api.ServiceExecutionError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "crash", se.ServiceType)
	require.Equal(t, "t3", se.TaskID)
	require.Contains(t, se.Err.Error(), "panic in crash handler")
}

func TestDefaultRegistry_Types(t *testing.T) {
	r := NewDefaultRegistry(Options{})
	require.Equal(t, []string{TypeEmail, TypeHTTP, TypeTimer}, r.Types())
}

func TestHTTPHandler_SendsTemplatedRequest(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotHeader string
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Tenant")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"id":"r-1"}`))
	}))
	defer srv.Close()

	r := NewDefaultRegistry(Options{HTTPClient: srv.Client()})
	out, err := r.Execute(context.Background(), api.ServiceRequest{
		ServiceType: TypeHTTP,
		Config: map[string]any{
			"method":  "post",
			"url":     srv.URL + "/orders/{{orderId}}",
			"headers": map[string]any{"X-Tenant": "{{tenant}}"},
			"body":    map[string]any{"amount": "{{amount}}"},
		},
		Variables: map[string]any{"orderId": "o-7", "tenant": "acme", "amount": 42},
	})
	require.NoError(t, err)

	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/orders/o-7", gotPath)
	require.Equal(t, "acme", gotHeader)
	require.Equal(t, map[string]any{"amount": float64(42)}, gotBody)

	require.Equal(t, http.StatusOK, out["statusCode"])
	require.Equal(t, map[string]any{"ok": true, "id": "r-1"}, out["response"])
}

func TestHTTPHandler_NonSuccessStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewHTTPHandler(srv.Client(), 0)
	_, err := h.Execute(context.Background(), api.ServiceRequest{
		Config: map[string]any{"url": srv.URL},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected status 500")
}

func TestHTTPHandler_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := NewHTTPHandler(srv.Client(), time.Minute)
	start := time.Now()
	_, err := h.Execute(context.Background(), api.ServiceRequest{
		Config: map[string]any{"url": srv.URL, "timeout": "50ms"},
	})
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestHTTPHandler_RequiresURL(t *testing.T) {
	h := NewHTTPHandler(nil, 0)
	require.Equal(t, DefaultHTTPTimeout, h.Timeout)
	_, err := h.Execute(context.Background(), api.ServiceRequest{Config: map[string]any{}})
	require.Error(t, err)
}

func TestEmailHandler(t *testing.T) {
	h := NewEmailHandler(nil)

	out, err := h.Execute(context.Background(), api.ServiceRequest{
		Config: map[string]any{"to": "ops@example.com", "subject": "hi", "body": "hello"},
	})
	require.NoError(t, err)
	require.Equal(t, true, out["emailSent"])

	_, err = h.Execute(context.Background(), api.ServiceRequest{Config: map[string]any{"subject": "x"}})
	require.Error(t, err)
}

func TestTimerHandler(t *testing.T) {
	var h TimerHandler

	start := time.Now()
	_, err := h.Execute(context.Background(), api.ServiceRequest{Config: map[string]any{"duration": 20}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Execute(ctx, api.ServiceRequest{Config: map[string]any{"duration": "1h"}})
	require.ErrorIs(t, err, context.Canceled)
}
