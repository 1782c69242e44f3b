package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

func TestTrigger_MergesPayload(t *testing.T) {
	req := newRequest(t, schema.NodeTypeTrigger, `{"payload":{"source":"api","plan":"free"}}`,
		map[string]any{"plan": "pro"}, nil)
	out, err := (&TriggerExecutor{}).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"source": "api", "plan": "pro"}, out)

	req = newRequest(t, schema.NodeTypeTrigger, "", nil, nil)
	out, err = (&TriggerExecutor{}).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)
}

type rejectAll struct{}

func (rejectAll) ValidateInput(_ json.RawMessage, _ any) error { return errors.New("missing email") }

func TestTrigger_InputSchema(t *testing.T) {
	req := newRequest(t, schema.NodeTypeTrigger, `{"inputSchema":{"type":"object","required":["email"]}}`,
		map[string]any{}, nil)
	_, err := (&TriggerExecutor{Validator: rejectAll{}}).Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.KindValidation, schema.KindOf(err))
}

func TestTransform_Mapping(t *testing.T) {
	req := newRequest(t, schema.NodeTypeTransform,
		`{"mapping":{"fullName":"{{first}} {{last}}","age":"{{age}}"}}`,
		nil, map[string]any{"first": "Ada", "last": "Lovelace", "age": 36})
	out, err := NewTransformExecutor(expressions.NewEvaluator()).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"fullName": "Ada Lovelace", "age": float64(36)}, out)
}

func TestTransform_JQ(t *testing.T) {
	req := newRequest(t, schema.NodeTypeTransform, `{"jq":"[.[] | select(.active) | .name]"}`,
		[]any{
			map[string]any{"name": "a", "active": true},
			map[string]any{"name": "b", "active": false},
		}, nil)
	out, err := NewTransformExecutor(expressions.NewEvaluator()).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out)

	req = newRequest(t, schema.NodeTypeTransform, `{"jq":".[] | error(\"bad\")"}`, []any{1.0}, nil)
	_, err = NewTransformExecutor(expressions.NewEvaluator()).Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.KindValidation, schema.KindOf(err))
}

func TestTransform_PassThrough(t *testing.T) {
	req := newRequest(t, schema.NodeTypeTransform, "", map[string]any{"x": 1.0}, nil)
	out, err := NewTransformExecutor(expressions.NewEvaluator()).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0}, out)
}

func TestConditional(t *testing.T) {
	ev := expressions.NewEvaluator()
	req := newRequest(t, schema.NodeTypeConditional, `{"condition":"input.score >= 50"}`, nil,
		map[string]any{"score": 72})
	out, err := NewConditionalExecutor(ev).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, BranchResult(out))

	req = newRequest(t, schema.NodeTypeConditional, `{"condition":"score >= 50"}`, nil,
		map[string]any{"score": 10})
	out, err = NewConditionalExecutor(ev).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, BranchResult(out))

	req = newRequest(t, schema.NodeTypeConditional, `{"condition":"score >="}`, nil, nil)
	_, err = NewConditionalExecutor(ev).Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.KindCondition, schema.KindOf(err))
}

func TestDelay(t *testing.T) {
	var slept time.Duration
	exec := &DelayExecutor{sleep: func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}}
	req := newRequest(t, schema.NodeTypeDelay, `{"durationMs":250}`, "payload", nil)
	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "payload", out)
	assert.Equal(t, 250*time.Millisecond, slept)
}

func TestDelay_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	req := newRequest(t, schema.NodeTypeDelay, `{"durationMs":5000}`, nil, nil)
	_, err := (&DelayExecutor{}).Execute(ctx, req)
	require.Error(t, err)
	assert.Equal(t, schema.KindTimeout, schema.KindOf(err))
}

func TestCSV_ParsesWithHeader(t *testing.T) {
	req := newRequest(t, schema.NodeTypeCSVUpload, "",
		map[string]any{"csv": "name, phone\nAna, 555-1\nBo,555-2\n"}, nil)
	out, err := (&CSVExecutor{}).Execute(context.Background(), req)
	require.NoError(t, err)

	batch := out.(schema.Batch)
	require.Len(t, batch, 2)
	assert.Equal(t, map[string]any{"name": "Ana", "phone": "555-1"}, batch[0])
	assert.Equal(t, "Bo", batch[1]["name"])
}

func TestCSV_TruncatesTo100(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("id;email\n")
	for i := range 150 {
		fmt.Fprintf(&sb, "%d;user%d@example.com\n", i, i)
	}
	req := newRequest(t, schema.NodeTypeCSVUpload, `{"delimiter":";"}`, sb.String(), nil)
	out, err := (&CSVExecutor{}).Execute(context.Background(), req)
	require.NoError(t, err)

	batch := out.(schema.Batch)
	assert.Len(t, batch, MaxCSVRecords)
	assert.Equal(t, "99", batch[99]["id"])
}

func TestCSV_Errors(t *testing.T) {
	req := newRequest(t, schema.NodeTypeCSVUpload, "", 42.0, nil)
	_, err := (&CSVExecutor{}).Execute(context.Background(), req)
	assert.Equal(t, schema.KindValidation, schema.KindOf(err))

	_, err = ParseCSV("", ',', 10)
	assert.Error(t, err)

	batch, err := ParseCSV("a,,c\n1,2\n", ',', 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "column_2": "2", "c": ""}, batch[0])
}

type fakeGenerator struct {
	calls atomic.Int32
	err   error
}

func (g *fakeGenerator) Generate(_ context.Context, req GenerateRequest) (*GenerateResult, error) {
	g.calls.Add(1)
	if g.err != nil {
		return nil, g.err
	}
	return &GenerateResult{Content: "<" + req.Prompt + ">", Model: req.Model}, nil
}

func TestAIContent_RendersPromptPerRecord(t *testing.T) {
	gen := &fakeGenerator{}
	exec := NewAIContentExecutor(gen)

	scope := expressions.NewScope(nil).WithRecord(map[string]any{"name": "Ana"}, 0)
	req := newRequest(t, schema.NodeTypeAIContent, `{"prompt":"Write to {{name}}","model":"m1"}`, nil, nil)
	req.Scope = scope

	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"content": "<Write to Ana>", "model": "m1"}, out)
}

func TestAIContent_EmptyPrompt(t *testing.T) {
	req := newRequest(t, schema.NodeTypeAIContent, `{"prompt":"{{missing}}"}`, nil, nil)
	_, err := NewAIContentExecutor(&fakeGenerator{}).Execute(context.Background(), req)
	assert.Equal(t, schema.KindValidation, schema.KindOf(err))
}

func TestHTTPGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":"hello"}`))
	}))
	defer srv.Close()

	g := &HTTPGenerator{Endpoint: srv.URL, APIKey: "key"}
	res, err := g.Generate(context.Background(), GenerateRequest{Prompt: "p", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, "m", res.Model)
}

func TestScoreContent(t *testing.T) {
	cfg := &schema.ComplianceCheckConfig{
		CriticalTerms:       []string{"guaranteed"},
		WarningTerms:        []string{"best", "free"},
		RequiredDisclaimers: []string{"terms apply"},
	}

	clean := ScoreContent("Our plan. Terms apply.", cfg)
	assert.True(t, clean.Passed)
	assert.Equal(t, 0, clean.RiskScore)

	risky := ScoreContent("GUARANTEED best deal", cfg)
	assert.Equal(t, 30+10+20, risky.RiskScore)
	assert.False(t, risky.Passed)
	assert.Equal(t, []string{"guaranteed", "best"}, risky.FlaggedTerms)
	assert.Equal(t, []string{"terms apply"}, risky.MissingDisclaimers)

	cfg.CriticalTerms = []string{"a", "b", "c", "d"}
	capped := ScoreContent("a b c d", cfg)
	assert.Equal(t, MaxRiskScore, capped.RiskScore)

	cfg2 := &schema.ComplianceCheckConfig{WarningTerms: []string{"free"}, Threshold: 10}
	assert.False(t, ScoreContent("free", cfg2).Passed)
}

func TestComplianceCheckExecutor(t *testing.T) {
	req := newRequest(t, schema.NodeTypeComplianceCheck, `{"contentField":"text","warningTerms":["free"]}`,
		map[string]any{"text": "It's free"}, nil)
	out, err := (&ComplianceCheckExecutor{}).Execute(context.Background(), req)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, true, m["passed"])
	assert.Equal(t, 10, m["riskScore"])

	req = newRequest(t, schema.NodeTypeComplianceCheck, "", map[string]any{"other": "x"}, nil)
	_, err = (&ComplianceCheckExecutor{}).Execute(context.Background(), req)
	assert.Equal(t, schema.KindValidation, schema.KindOf(err))
}

func TestComplianceReport(t *testing.T) {
	br := &schema.BatchResult{
		SuccessCount: 3,
		Results: []schema.BatchEntry{
			{Index: 0, Output: map[string]any{"passed": true, "riskScore": 10, "flaggedTerms": []string{"free"}}},
			{Index: 1, Output: map[string]any{"passed": false, "riskScore": 60, "flaggedTerms": []string{"guaranteed", "free"}}},
			{Index: 2, Output: map[string]any{"passed": true, "riskScore": 0, "flaggedTerms": []string{}}},
			{Index: 3, Error: "timed out"},
		},
	}
	req := newRequest(t, schema.NodeTypeComplianceReport, `{"title":"Q3","topN":1}`,
		expressions.Normalize(br), nil)
	out, err := (&ComplianceReportExecutor{}).Execute(context.Background(), req)
	require.NoError(t, err)

	report := out.(map[string]any)
	assert.Equal(t, 3, report["total"])
	assert.Equal(t, 2, report["passed"])
	assert.Equal(t, 1, report["failed"])
	assert.InDelta(t, 23.33, report["averageRiskScore"], 0.001)
	assert.Equal(t, []map[string]any{{"term": "free", "count": 2}}, report["topFlaggedTerms"])
	assert.Equal(t, "Q3", report["title"])
}

func TestComplianceReport_Empty(t *testing.T) {
	req := newRequest(t, schema.NodeTypeComplianceReport, "", nil, nil)
	out, err := (&ComplianceReportExecutor{}).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, out.(map[string]any)["total"])
}

func TestMessaging_IdempotentAcrossRetries(t *testing.T) {
	sender := NewLogSender(nil)
	exec := NewMessagingExecutor(sender)

	scope := expressions.NewScope(nil).WithRecord(map[string]any{"phone": "555-1", "content": "Hi"}, 3)
	req := newRequest(t, schema.NodeTypeMessagingSend, `{"to":"{{phone}}","body":"{{content}}"}`, nil, nil)
	req.Scope = scope
	req.Index = 3

	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "sent", out.(map[string]any)["status"])
	assert.Equal(t, "exec-1:messaging-send-1:3", IdempotencyKey(req))

	req.Attempt = 2
	out, err = exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "already_delivered", out.(map[string]any)["status"])
	assert.Equal(t, 1, sender.Sent())
}

func TestMessaging_Validation(t *testing.T) {
	req := newRequest(t, schema.NodeTypeMessagingSend, `{"to":"{{phone}}","body":"x"}`, nil, nil)
	_, err := NewMessagingExecutor(NewLogSender(nil)).Execute(context.Background(), req)
	assert.Equal(t, schema.KindValidation, schema.KindOf(err))
}

func TestHTTPSender_ConflictIsDelivered(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if len(keys) > 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.Write([]byte(`{"messageId":"m-1"}`))
	}))
	defer srv.Close()

	s := &HTTPSender{Endpoint: srv.URL}
	d, err := s.Send(context.Background(), Message{To: "x", Body: "y", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "m-1", d.MessageID)

	_, err = s.Send(context.Background(), Message{To: "x", Body: "y", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrAlreadyDelivered)
	assert.Equal(t, []string{"k", "k"}, keys)
}

func TestBuildApprovalData(t *testing.T) {
	node := &schema.Node{ID: "review", Label: "Review messages"}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	data := BuildApprovalData(node, &schema.ApprovalConfig{Instructions: "check tone", MaxRows: 2},
		[]any{map[string]any{"n": 1.0}, map[string]any{"n": 2.0}, map[string]any{"n": 3.0}}, now)
	assert.Equal(t, "review", data.NodeID)
	assert.Equal(t, "Review messages", data.Title)
	assert.Equal(t, "check tone", data.Instructions)
	assert.Len(t, data.Rows, 2)
	assert.Equal(t, 3, data.TotalRows)
	assert.Equal(t, now, data.RequestedAt)

	assert.Equal(t, []map[string]any{{"value": "text"}}, ApprovalRows("text"))
	assert.Equal(t, []map[string]any{{"a": 1.0}}, ApprovalRows(map[string]any{"a": 1.0}))
	assert.Empty(t, ApprovalRows(nil))
}

func TestApprovalExecutor_NeverRuns(t *testing.T) {
	req := newRequest(t, schema.NodeTypeManualApproval, "", nil, nil)
	_, err := (&ApprovalExecutor{}).Execute(context.Background(), req)
	assert.Error(t, err)
}
