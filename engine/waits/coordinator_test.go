package waits

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonDecode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func TestDeliverSignal_ResolvesWait(t *testing.T) {
	c := NewCoordinator()

	ch, err := c.Register("exec-1", "approve", 0, nil)
	require.NoError(t, err)
	require.True(t, c.HasPending("exec-1", "approve"))

	res := c.DeliverSignal("exec-1", "approve", map[string]interface{}{
		"decision":   "approved",
		"approverId": "mgr",
		"comments":   "lgtm",
	})
	require.True(t, res.Delivered)

	got := <-ch
	assert.Equal(t, ResolvedBySignal, got.Kind)
	assert.Equal(t, "approved", got.Output["decision"])
	assert.Equal(t, "mgr", got.Output["approverId"])
	assert.NotEmpty(t, got.Output["timestamp"], "timestamp is stamped when absent")
	assert.False(t, c.HasPending("exec-1", "approve"))
}

func TestDeliverSignal_FirstWins(t *testing.T) {
	c := NewCoordinator()
	ch, err := c.Register("exec-1", "approve", 0, nil)
	require.NoError(t, err)

	first := c.DeliverSignal("exec-1", "approve", map[string]interface{}{"decision": "approved"})
	second := c.DeliverSignal("exec-1", "approve", map[string]interface{}{"decision": "rejected"})

	assert.True(t, first.Delivered)
	assert.False(t, second.Delivered)
	assert.Equal(t, "already-resolved", second.Reason)

	got := <-ch
	assert.Equal(t, "approved", got.Output["decision"], "the first signal's payload sticks")
}

func TestDeliverSignal_UnknownWait(t *testing.T) {
	c := NewCoordinator()
	res := c.DeliverSignal("exec-1", "nope", nil)
	assert.False(t, res.Delivered)
	assert.Equal(t, "not-found", res.Reason)
}

func TestTimeout_Resolves(t *testing.T) {
	c := NewCoordinator()

	var timeoutFn func()
	c.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		assert.Equal(t, 5*time.Second, d)
		timeoutFn = fn
		return time.NewTimer(time.Hour)
	}

	ch, err := c.Register("exec-1", "approve", 5*time.Second, nil)
	require.NoError(t, err)
	require.NotNil(t, timeoutFn)

	timeoutFn()
	got := <-ch
	assert.Equal(t, ResolvedByTimeout, got.Kind)
	assert.Equal(t, true, got.Output["timedOut"])

	// the timeout already resolved the wait; a late signal is refused
	late := c.DeliverSignal("exec-1", "approve", map[string]interface{}{"decision": "approved"})
	assert.False(t, late.Delivered)
	assert.Equal(t, "already-resolved", late.Reason)
}

func TestCancelExecution(t *testing.T) {
	c := NewCoordinator()
	ch1, err := c.Register("exec-1", "w1", 0, nil)
	require.NoError(t, err)
	ch2, err := c.Register("exec-1", "w2", 0, nil)
	require.NoError(t, err)
	other, err := c.Register("exec-2", "w1", 0, nil)
	require.NoError(t, err)

	n := c.CancelExecution("exec-1")
	assert.Equal(t, 2, n)

	for _, ch := range []<-chan Resolution{ch1, ch2} {
		got := <-ch
		assert.Equal(t, ResolvedByCancel, got.Kind)
		assert.Equal(t, true, got.Output["cancelled"])
	}

	select {
	case <-other:
		t.Fatal("wait of another execution must not resolve")
	default:
	}
	assert.Equal(t, 1, c.PendingCount())
}

func TestRegister_DuplicateOpenWait(t *testing.T) {
	c := NewCoordinator()
	_, err := c.Register("exec-1", "w", 0, nil)
	require.NoError(t, err)

	_, err = c.Register("exec-1", "w", 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already open")
}

func TestRegister_ReArmsAfterResolution(t *testing.T) {
	c := NewCoordinator()
	ch, err := c.Register("exec-1", "w", 0, nil)
	require.NoError(t, err)
	c.DeliverSignal("exec-1", "w", map[string]interface{}{"decision": "approved"})
	<-ch

	// next loop iteration re-opens the same wait node
	ch2, err := c.Register("exec-1", "w", 0, nil)
	require.NoError(t, err)

	res := c.DeliverSignal("exec-1", "w", map[string]interface{}{"decision": "rejected"})
	require.True(t, res.Delivered)
	got := <-ch2
	assert.Equal(t, "rejected", got.Output["decision"])
}

func TestExactlyOneResolution_UnderContention(t *testing.T) {
	c := NewCoordinator()
	ch, err := c.Register("exec-1", "w", 0, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	delivered := make(chan DeliveryResult, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			delivered <- c.DeliverSignal("exec-1", "w", map[string]interface{}{"n": n})
		}(i)
	}
	wg.Wait()
	close(delivered)

	wins := 0
	for res := range delivered {
		if res.Delivered {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent delivery wins")

	_, ok := <-ch
	assert.True(t, ok)
	_, ok = <-ch
	assert.False(t, ok, "resolution channel closes after the single resolution")
}

func TestReleaseExecution(t *testing.T) {
	c := NewCoordinator()
	_, err := c.Register("exec-1", "w", time.Hour, nil)
	require.NoError(t, err)

	c.ReleaseExecution("exec-1")
	assert.Equal(t, 0, c.PendingCount())

	res := c.DeliverSignal("exec-1", "w", nil)
	assert.Equal(t, "not-found", res.Reason)
}

func TestWebhookNotifier(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, jsonDecode(r, &body))
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCoordinator(WithNotifier(NewWebhookNotifier(srv.URL)))
	_, err := c.Register("exec-1", "approve", 0, map[string]interface{}{"approver": "mgr"})
	require.NoError(t, err)

	select {
	case body := <-received:
		assert.Equal(t, "exec-1", body["executionId"])
		assert.Equal(t, "approve", body["nodeId"])
		payload := body["payload"].(map[string]interface{})
		assert.Equal(t, "mgr", payload["approver"])
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}
