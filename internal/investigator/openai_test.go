package investigator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/service"
)

type fakeAPI struct {
	status  int
	content string
	finish  string
	auth    []string
	bodies  []map[string]any
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.bodies = append(f.bodies, body)

	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 && f.status != http.StatusOK {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream said no","type":"server_error"}}`))
		return
	}
	finish := f.finish
	if finish == "" {
		finish = "stop"
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "gpt-test",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": f.content},
			"finish_reason": finish,
		}},
		"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 40, "total_tokens": 160},
	})
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "sk-server", Model: "gpt-test", BaseURL: srv.URL + "/v1"})
}

const oneClaim = `{"claims":[{"text":"Water boils at 50C.","context":"At sea level, water boils at 50C.",
"summary":"Water boils at 100C at sea level.","reasoning":"Standard pressure boiling point.",
"sources":[{"url":"https://en.wikipedia.org/wiki/Boiling_point","title":"Boiling point"}]}]}`

func TestInvestigate(t *testing.T) {
	api := &fakeAPI{content: oneClaim}
	c := newTestClient(t, api)

	res, err := c.Investigate(context.Background(), service.InvestigateInput{
		InvestigationID: 1,
		PromptVersion:   "v1",
		Content:         "At sea level, water boils at 50C.",
	})
	require.NoError(t, err)

	want := []domain.Claim{{
		Text:      "Water boils at 50C.",
		Context:   "At sea level, water boils at 50C.",
		Summary:   "Water boils at 100C at sea level.",
		Reasoning: "Standard pressure boiling point.",
		Sources:   []domain.ClaimSource{{URL: "https://en.wikipedia.org/wiki/Boiling_point", Title: "Boiling point"}},
	}}
	if diff := cmp.Diff(want, res.Claims, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("claims mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, service.InvestigateMetadata{Model: "gpt-test", PromptTokens: 120, CompletionTokens: 40}, res.Metadata)
	assert.Equal(t, []string{"Bearer sk-server"}, api.auth)
	assert.Equal(t, "gpt-test", api.bodies[0]["model"])
}

func TestInvestigate_UpdateUsesCallerKeyAndParentFindings(t *testing.T) {
	api := &fakeAPI{content: `{"claims":[]}`}
	c := newTestClient(t, api)

	res, err := c.Investigate(context.Background(), service.InvestigateInput{
		Content: "L1\nLX",
		APIKey:  "sk-caller",
		Update: &service.UpdateContext{
			ParentInvestigationID: 7,
			ParentClaims:          []domain.Claim{{Text: "L2 is wrong"}},
			ContentDiff:           "-L2\n+LX",
		},
	})
	require.NoError(t, err)

	assert.Empty(t, res.Claims)
	assert.Equal(t, []string{"Bearer sk-caller"}, api.auth)
	messages := api.bodies[0]["messages"].([]any)
	require.Len(t, messages, 2)
	user := messages[1].(map[string]any)["content"].(string)
	assert.Contains(t, user, "L2 is wrong")
	assert.Contains(t, user, "-L2\n+LX")
	system := messages[0].(map[string]any)["content"].(string)
	assert.True(t, strings.Contains(system, "edited version"))
}

func TestInvestigate_Failures(t *testing.T) {
	tests := []struct {
		name      string
		api       fakeAPI
		transient bool
	}{
		{name: "malformed json", api: fakeAPI{content: "not json"}, transient: true},
		{name: "claim without sources", api: fakeAPI{content: `{"claims":[{"text":"a","summary":"b","reasoning":"c","sources":[]}]}`}, transient: true},
		{name: "truncated", api: fakeAPI{content: `{"claims":[`, finish: "length"}, transient: true},
		{name: "rate limited", api: fakeAPI{status: http.StatusTooManyRequests}, transient: true},
		{name: "server error", api: fakeAPI{status: http.StatusBadGateway}, transient: true},
		{name: "bad key", api: fakeAPI{status: http.StatusUnauthorized}, transient: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := tt.api
			c := newTestClient(t, &api)

			_, err := c.Investigate(context.Background(), service.InvestigateInput{Content: "text"})

			var ie *service.InvestigatorError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.transient, ie.Transient)
		})
	}
}
