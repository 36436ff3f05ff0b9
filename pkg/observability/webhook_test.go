package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertWebhook_Notify(t *testing.T) {
	received := make(chan alertPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var p alertPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
	}))
	defer srv.Close()

	w := NewAlertWebhook(srv.URL, nil)
	w.Notify(context.Background(), 5)

	select {
	case p := <-received:
		assert.Equal(t, "billingd", p.Service)
		assert.Equal(t, 5, p.ConsecutiveFailures)
		assert.NotEmpty(t, p.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestAlertWebhook_DisabledAndNil(t *testing.T) {
	// Neither may panic or block.
	NewAlertWebhook("", nil).Notify(context.Background(), 5)
	(*AlertWebhook)(nil).Notify(context.Background(), 5)
}

func TestMetrics_ZeroValueIsNoOp(t *testing.T) {
	ctx := context.Background()
	var m Metrics
	done := m.CycleStarted(ctx)
	done()
	m.IdentityReconciled(ctx, "alpha", true)
	m.DetachAttempt(ctx, false)
	m.BindAttempt(ctx, true)
	m.Deferred(ctx, 3)
	m.AuditLogFailure(ctx)
	m.ProviderRetry(ctx, "projects.list")
	m.ConsecutiveFailures(ctx, 1)

	var nilM *Metrics
	nilM.AuditLogFailure(ctx)
}
