package digil_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"digil-incl-reset/internal/digil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTokens 令牌序号随 Invalidate 递增
type fakeTokens struct {
	gen         int
	tokenCalls  int
	invalidated int
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	f.tokenCalls++
	return fmt.Sprintf("tok-%d", f.gen), nil
}

func (f *fakeTokens) Invalidate() {
	f.invalidated++
	f.gen++
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*digil.Client, *fakeTokens) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tokens := &fakeTokens{}
	return digil.NewClient(srv.URL, 5*time.Second, false, tokens, zap.NewNop()), tokens
}

func TestSendCommand(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	})

	before := time.Now().UTC()
	sentAt, err := client.SendCommand(context.Background(), "1121621_0436", digil.MaintenanceOn())
	require.NoError(t, err)

	require.Equal(t, "/api/v1/digils/1121621_0436/command", gotPath)
	require.Equal(t, "Bearer tok-0", gotAuth)

	// 请求体与固件契约逐字一致
	require.Equal(t, "maintenance", gotBody["name"])
	params := gotBody["params"].(map[string]any)
	status := params["status"].(map[string]any)
	require.Equal(t, []any{"ON"}, status["values"].([]any))

	// 受理时间是客户端侧 UTC 时刻
	require.False(t, sentAt.Before(before))
	require.False(t, sentAt.After(time.Now().UTC()))
}

func TestSendCommand_RetriesOnceAfter401(t *testing.T) {
	var auths []string
	client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		if len(auths) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	_, err := client.SendCommand(context.Background(), "dev-1", digil.MaintenanceOn())
	require.NoError(t, err)

	// 401 → 失效令牌 → 换新令牌重试一次
	require.Equal(t, []string{"Bearer tok-0", "Bearer tok-1"}, auths)
	require.Equal(t, 1, tokens.invalidated)
}

func TestSendCommand_PersistentAuthFailure(t *testing.T) {
	requests := 0
	client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.SendCommand(context.Background(), "dev-1", digil.MaintenanceOn())
	require.Error(t, err)
	require.True(t, digil.IsAuthError(err))

	// 只重试一次，不无限循环
	require.Equal(t, 2, requests)
	require.Equal(t, 1, tokens.invalidated)
}

func TestSendCommand_HTTPError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	sentAt, err := client.SendCommand(context.Background(), "dev-1", digil.ResetInclinometer())
	require.Error(t, err)
	require.False(t, digil.IsAuthError(err))

	var apiErr *digil.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, digil.KindHTTP, apiErr.Kind)
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)

	// 失败也返回受理时间，调用方要记录尝试时刻
	require.False(t, sentAt.IsZero())
}

func TestGetCommandLog(t *testing.T) {
	var gotQuery map[string]string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/digils/dev-1/commands-log", r.URL.Path)
		gotQuery = map[string]string{
			"startDate": r.URL.Query().Get("startDate"),
			"endDate":   r.URL.Query().Get("endDate"),
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"pendingCommands": [
				{"name":"maintenance","payload":{"status":"ON"},"correlationId":"p-1","time":"2026-08-25T10:15:00Z"}
			],
			"sentCommands": [
				{"name":"set_value","payload":"{\n  \"value\" : \"1\"\n}","response":{"status":"200.0"},"correlationId":"s-1","time":"2026-08-25T10:16:30.123Z"}
			]
		}`)
	})

	since := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	log, err := client.GetCommandLog(context.Background(), "dev-1", since)
	require.NoError(t, err)

	// 纳秒精度的窗口边界：起点 .000000000Z，终点 .999999999Z
	require.Equal(t, "2026-08-25T10:00:00.000000000Z", gotQuery["startDate"])
	require.True(t, strings.HasSuffix(gotQuery["endDate"], ".999999999Z"))

	require.Len(t, log.PendingCommands, 1)
	require.Equal(t, "maintenance", log.PendingCommands[0].Name)
	require.Equal(t, "p-1", log.PendingCommands[0].CorrelationID)
	require.Equal(t, time.Date(2026, 8, 25, 10, 15, 0, 0, time.UTC), log.PendingCommands[0].Time.Time)

	require.Len(t, log.SentCommands, 1)
	require.Equal(t, "200.0", log.SentCommands[0].Response.Status)
}

func TestGetDeviceConfiguration(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/digils/dev-1/configuration", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"application":{"maintenanceMode":"ON"}}`)
	})

	cfg, err := client.GetDeviceConfiguration(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Equal(t, "ON", cfg.MaintenanceMode())
}

func TestGetDeviceTelemetry(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/digils/dev-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"diags":    {"ALG_Digil2_Alm_Incl": {"value": false, "timestamp": 1756116000000}},
			"measures": {
				"SENS_Digil2_Inc_X": {"avg": 0.05,  "timestamp": 1756116000000},
				"SENS_Digil2_Inc_Y": {"avg": -0.12, "timestamp": 1756116000000}
			}
		}`)
	})

	telemetry, err := client.GetDeviceTelemetry(context.Background(), "dev-1")
	require.NoError(t, err)

	alarm := telemetry.Diags[digil.DiagAlarmIncl]
	require.NotNil(t, alarm.Value)
	require.False(t, *alarm.Value)

	incX := telemetry.Measures[digil.MeasureInclX]
	require.NotNil(t, incX.Avg)
	require.Equal(t, 0.05, *incX.Avg)
	require.Equal(t, int64(1756116000000), *incX.Timestamp)
}
