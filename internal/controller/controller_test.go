package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/spectator/internal/backend"
	"github.com/haasonsaas/spectator/internal/observability"
	"github.com/haasonsaas/spectator/internal/pipeline"
	"github.com/haasonsaas/spectator/internal/prompts"
	"github.com/haasonsaas/spectator/internal/protocol"
	"github.com/haasonsaas/spectator/internal/retrieval"
	"github.com/haasonsaas/spectator/internal/trace"
	"github.com/haasonsaas/spectator/pkg/models"
)

func seedFake(fake *backend.Fake, governorResponses ...string) {
	fake.ExtendRoleResponses(pipeline.RoleReflection, "Noted.")
	fake.ExtendRoleResponses(pipeline.RolePlanner, "Plan drafted.")
	fake.ExtendRoleResponses(pipeline.RoleCritic, "Looks good.")
	fake.ExtendRoleResponses(pipeline.RoleGovernor, governorResponses...)
}

func newController(t *testing.T, fake backend.Backend) (*Controller, string) {
	t.Helper()
	dataRoot := t.TempDir()
	ctrl, err := New(Config{DataRoot: dataRoot, Backend: fake})
	if err != nil {
		t.Fatal(err)
	}
	return ctrl, dataRoot
}

func TestNewRequiresBackend(t *testing.T) {
	if _, err := New(Config{DataRoot: t.TempDir()}); err == nil {
		t.Fatal("New without a backend succeeded")
	}
}

func TestRunTurn(t *testing.T) {
	fake := backend.NewFake()
	seedFake(fake, "Final answer.")
	ctrl, dataRoot := newController(t, fake)

	final, err := ctrl.RunTurn(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if final != "Final answer." {
		t.Errorf("final = %q, want %q", final, "Final answer.")
	}

	cp, err := ctrl.Store().Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Revision != 1 {
		t.Errorf("revision = %d, want 1", cp.Revision)
	}
	if len(cp.RecentMessages) != 2 {
		t.Fatalf("recent messages = %d, want 2", len(cp.RecentMessages))
	}
	if cp.RecentMessages[0].Role != models.RoleUser || cp.RecentMessages[0].Content != "hello" {
		t.Errorf("first message = %+v", cp.RecentMessages[0])
	}
	if cp.RecentMessages[1].Role != models.RoleAssistant || cp.RecentMessages[1].Content != "Final answer." {
		t.Errorf("second message = %+v", cp.RecentMessages[1])
	}

	traceName := trace.FileName("s1", "rev-1")
	if len(cp.TraceTail) != 1 || cp.TraceTail[0] != traceName {
		t.Errorf("trace tail = %v, want [%s]", cp.TraceTail, traceName)
	}
	tracePath := filepath.Join(dataRoot, "traces", traceName)
	events, err := trace.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	done := 0
	for _, e := range events {
		if e.Kind == models.EventLLMDone {
			done++
		}
	}
	if done != 4 {
		t.Errorf("llm_done events = %d, want 4", done)
	}

	if info, err := os.Stat(ctrl.SandboxRoot()); err != nil || !info.IsDir() {
		t.Errorf("sandbox root missing: %v", err)
	}
}

func TestRunTurnAdvancesRevision(t *testing.T) {
	fake := backend.NewFake()
	seedFake(fake, "First.")
	ctrl, _ := newController(t, fake)

	ctx := context.Background()
	if _, err := ctrl.RunTurn(ctx, "s1", "one"); err != nil {
		t.Fatal(err)
	}
	seedFake(fake, "Second.")
	final, err := ctrl.RunTurn(ctx, "s1", "two")
	if err != nil {
		t.Fatal(err)
	}
	if final != "Second." {
		t.Errorf("final = %q, want %q", final, "Second.")
	}

	cp, err := ctrl.Store().Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Revision != 2 {
		t.Errorf("revision = %d, want 2", cp.Revision)
	}
	want := []string{trace.FileName("s1", "rev-1"), trace.FileName("s1", "rev-2")}
	if len(cp.TraceTail) != 2 || cp.TraceTail[0] != want[0] || cp.TraceTail[1] != want[1] {
		t.Errorf("trace tail = %v, want %v", cp.TraceTail, want)
	}
	if len(cp.RecentMessages) != 4 {
		t.Errorf("recent messages = %d, want 4", len(cp.RecentMessages))
	}
}

type failingBackend struct{}

func (failingBackend) Complete(context.Context, string, backend.Params) (string, error) {
	return "", errors.New("backend down")
}

func TestRunTurnPipelineErrorSkipsSave(t *testing.T) {
	ctrl, dataRoot := newController(t, failingBackend{})

	_, err := ctrl.RunTurn(context.Background(), "s1", "hello")
	if err == nil {
		t.Fatal("RunTurn succeeded with a failing backend")
	}
	if _, statErr := os.Stat(ctrl.CheckpointPath("s1")); !os.IsNotExist(statErr) {
		t.Errorf("checkpoint written despite pipeline failure: %v", statErr)
	}
	// The partial trace stays on disk for autopsy.
	tracePath := filepath.Join(dataRoot, "traces", trace.FileName("s1", "rev-1"))
	if _, statErr := os.Stat(tracePath); statErr != nil {
		t.Errorf("partial trace missing: %v", statErr)
	}
}

func TestRunTurnErrorKeepsPriorRevision(t *testing.T) {
	fake := backend.NewFake()
	seedFake(fake, "First.")
	ctrl, _ := newController(t, fake)

	ctx := context.Background()
	if _, err := ctrl.RunTurn(ctx, "s1", "one"); err != nil {
		t.Fatal(err)
	}
	// The fake's queues are drained; swap in a failing backend for the
	// second turn through a fresh controller over the same data root.
	failing, err := New(Config{DataRoot: ctrl.dataRoot, Backend: failingBackend{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := failing.RunTurn(ctx, "s1", "two"); err == nil {
		t.Fatal("second turn succeeded with a failing backend")
	}

	cp, err := ctrl.Store().Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Revision != 1 {
		t.Errorf("revision = %d, want 1 after abandoned turn", cp.Revision)
	}
	if len(cp.RecentMessages) != 2 {
		t.Errorf("recent messages = %d, want 2 after abandoned turn", len(cp.RecentMessages))
	}
}

type resettingFake struct {
	*backend.Fake
	runIDs []string
}

func (r *resettingFake) ResetSlotCache(_ context.Context, runID string, _ *trace.Writer) {
	r.runIDs = append(r.runIDs, runID)
}

func TestRunTurnResetsSlotCache(t *testing.T) {
	fake := &resettingFake{Fake: backend.NewFake()}
	seedFake(fake.Fake, "Done.")
	ctrl, _ := newController(t, fake)

	if _, err := ctrl.RunTurn(context.Background(), "s1", "hello"); err != nil {
		t.Fatal(err)
	}
	if len(fake.runIDs) != 1 || fake.runIDs[0] != "rev-1" {
		t.Errorf("slot resets = %v, want [rev-1]", fake.runIDs)
	}
}

func TestRunTurnExecutesTools(t *testing.T) {
	toolBlock := protocol.ToolCallsStart + `[{"id":"t1","tool":"fs.list_dir","args":{"path":"."}}]` + protocol.ToolCallsEnd
	fake := backend.NewFake()
	seedFake(fake, "Checking.\n"+toolBlock, "Directory inspected.")
	ctrl, dataRoot := newController(t, fake)

	final, err := ctrl.RunTurn(context.Background(), "s1", "list the sandbox")
	if err != nil {
		t.Fatal(err)
	}
	if final != "Directory inspected." {
		t.Errorf("final = %q, want %q", final, "Directory inspected.")
	}

	events, err := trace.ReadFile(filepath.Join(dataRoot, "traces", trace.FileName("s1", "rev-1")))
	if err != nil {
		t.Fatal(err)
	}
	var toolDone *models.TraceEvent
	for i := range events {
		if events[i].Kind == models.EventToolDone {
			toolDone = &events[i]
		}
	}
	if toolDone == nil {
		t.Fatal("no tool_done event")
	}
	if ok, _ := toolDone.Data["ok"].(bool); !ok {
		t.Errorf("tool_done not ok: %v", toolDone.Data)
	}
}

func TestRunTurnRetrievalRoles(t *testing.T) {
	store, err := retrieval.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	embedder, err := retrieval.NewHashEmbedder(retrieval.DefaultDim)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	vectors, err := embedder.Embed(ctx, []string{"deployment checklist"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Add(ctx, []retrieval.Record{{ID: "m1", Text: "deployment checklist"}}, vectors); err != nil {
		t.Fatal(err)
	}

	fake := backend.NewFake()
	seedFake(fake, "Done.")
	dataRoot := t.TempDir()
	ctrl, err := New(Config{
		DataRoot: dataRoot,
		Backend:  fake,
		Memory:   &retrieval.Memory{Store: store, Embedder: embedder},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ctrl.RunTurn(ctx, "s1", "how do we deploy?"); err != nil {
		t.Fatal(err)
	}

	events, err := trace.ReadFile(filepath.Join(dataRoot, "traces", trace.FileName("s1", "rev-1")))
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, e := range events {
		if e.Kind != models.EventRetrieval {
			continue
		}
		found = true
		roles, _ := e.Data["roles"].([]any)
		if len(roles) != 2 || roles[0] != pipeline.RolePlanner || roles[1] != pipeline.RoleGovernor {
			t.Errorf("retrieval roles = %v, want [planner governor]", roles)
		}
	}
	if !found {
		t.Error("no retrieval event")
	}

	// Planner and governor prompts carry the block; reflection does not.
	var plannerPrompt, reflectionPrompt string
	for _, call := range fake.Calls() {
		switch call.Params.Role {
		case pipeline.RolePlanner:
			plannerPrompt = call.Prompt
		case pipeline.RoleReflection:
			reflectionPrompt = call.Prompt
		}
	}
	if !strings.Contains(plannerPrompt, retrieval.BlockStart) {
		t.Error("planner prompt missing retrieval block")
	}
	if strings.Contains(reflectionPrompt, retrieval.BlockStart) {
		t.Error("reflection prompt carries retrieval block")
	}
}

func TestRunTurnRecordsMetrics(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	fake := backend.NewFake()
	seedFake(fake, "Done.")
	ctrl, err := New(Config{DataRoot: t.TempDir(), Backend: fake, Metrics: metrics})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ctrl.RunTurn(context.Background(), "s1", "hello"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(metrics.TurnCounter.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok turns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.TraceEvents.WithLabelValues(string(models.EventLLMDone))); got != 4 {
		t.Errorf("llm_done events = %v, want 4", got)
	}

	failing, err := New(Config{DataRoot: t.TempDir(), Backend: failingBackend{}, Metrics: metrics})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := failing.RunTurn(context.Background(), "s1", "hello"); err == nil {
		t.Fatal("RunTurn succeeded with a failing backend")
	}
	if got := testutil.ToFloat64(metrics.TurnCounter.WithLabelValues("error")); got != 1 {
		t.Errorf("error turns = %v, want 1", got)
	}
}

func TestDefaultRoles(t *testing.T) {
	roles, err := DefaultRoles()
	if err != nil {
		t.Fatal(err)
	}
	wantNames := []string{
		pipeline.RoleReflection,
		pipeline.RolePlanner,
		pipeline.RoleCritic,
		pipeline.RoleGovernor,
	}
	if len(roles) != len(wantNames) {
		t.Fatalf("roles = %d, want %d", len(roles), len(wantNames))
	}
	for i, role := range roles {
		if role.Name != wantNames[i] {
			t.Errorf("role[%d] = %q, want %q", i, role.Name, wantNames[i])
		}
		if !strings.HasSuffix(role.SystemPrompt, prompts.SafetySuffix) {
			t.Errorf("role %s prompt missing safety suffix: %q", role.Name, role.SystemPrompt)
		}
		if role.WantsRetrieval {
			t.Errorf("role %s wants retrieval by default", role.Name)
		}
	}
}
