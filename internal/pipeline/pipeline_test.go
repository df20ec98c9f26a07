package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/spectator/internal/backend"
	"github.com/haasonsaas/spectator/internal/condense"
	"github.com/haasonsaas/spectator/internal/protocol"
	"github.com/haasonsaas/spectator/internal/retrieval"
	"github.com/haasonsaas/spectator/internal/tools"
	"github.com/haasonsaas/spectator/internal/trace"
	"github.com/haasonsaas/spectator/pkg/models"
)

func fourRoles() []RoleSpec {
	return []RoleSpec{
		{Name: RoleReflection, SystemPrompt: "Reflect on the request."},
		{Name: RolePlanner, SystemPrompt: "Plan a response."},
		{Name: RoleCritic, SystemPrompt: "Critique the plan."},
		{Name: RoleGovernor, SystemPrompt: "Decide on the final response."},
	}
}

func newTracer(t *testing.T) (*trace.Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.jsonl")
	w, err := trace.NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w, path
}

func kinds(events []models.TraceEvent) []models.EventKind {
	out := make([]models.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func countKind(events []models.TraceEvent, kind models.EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func findKind(t *testing.T, events []models.TraceEvent, kind models.EventKind) models.TraceEvent {
	t.Helper()
	for _, e := range events {
		if e.Kind == kind {
			return e
		}
	}
	t.Fatalf("no %s event in %v", kind, kinds(events))
	return models.TraceEvent{}
}

func TestRunFourRoles(t *testing.T) {
	fake := backend.NewFake()
	fake.ExtendRoleResponses(RoleReflection, "Noted.")
	fake.ExtendRoleResponses(RolePlanner, "Plan drafted.")
	fake.ExtendRoleResponses(RoleCritic, "Looks good.")
	fake.ExtendRoleResponses(RoleGovernor, "Final answer.")

	tracer, path := newTracer(t)
	cp := models.NewCheckpoint("s1")
	final, results, err := Run(context.Background(), cp, "hello", Config{
		Roles:   fourRoles(),
		Backend: fake,
		Tracer:  tracer,
	})
	if err != nil {
		t.Fatal(err)
	}
	if final != "Final answer." {
		t.Errorf("final = %q", final)
	}
	if len(results) != 4 || results[3].Role != RoleGovernor {
		t.Fatalf("results = %+v", results)
	}

	events, err := trace.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := countKind(events, models.EventLLMReq); n != 4 {
		t.Errorf("llm_req count = %d, want 4", n)
	}
	if n := countKind(events, models.EventVisibleResponse); n != 4 {
		t.Errorf("visible_response count = %d, want 4", n)
	}

	// Each role's prompt must carry its predecessors' output.
	calls := fake.Calls()
	if len(calls) != 4 {
		t.Fatalf("backend calls = %d, want 4", len(calls))
	}
	if !strings.Contains(calls[1].Prompt, "UPSTREAM:\nreflection: Noted.") {
		t.Errorf("planner prompt missing upstream:\n%s", calls[1].Prompt)
	}
	if !strings.Contains(calls[3].Prompt, "critic: Looks good.") {
		t.Errorf("governor prompt missing critic output:\n%s", calls[3].Prompt)
	}
	for _, call := range calls {
		if !strings.Contains(call.Prompt, "USER:\nhello") {
			t.Errorf("prompt missing user text:\n%s", call.Prompt)
		}
	}
}

func TestRunGovernorToolRound(t *testing.T) {
	root := t.TempDir()
	executor := tools.NewDefaultExecutor(root, nil)

	toolBlock := protocol.ToolCallsStart + `[{"id":"t1","tool":"fs.list_dir","args":{"path":"."}}]` + protocol.ToolCallsEnd
	fake := backend.NewFake()
	fake.ExtendRoleResponses(RoleGovernor, "Checking.\n"+toolBlock, "Directory inspected.")

	tracer, path := newTracer(t)
	cp := models.NewCheckpoint("s1")
	final, _, err := Run(context.Background(), cp, "list files", Config{
		Roles:    []RoleSpec{{Name: RoleGovernor, SystemPrompt: "Decide."}},
		Backend:  fake,
		Executor: executor,
		Tracer:   tracer,
	})
	if err != nil {
		t.Fatal(err)
	}
	if final != "Directory inspected." {
		t.Errorf("final = %q", final)
	}
	if strings.Contains(final, protocol.ToolCallsStart) {
		t.Error("final text leaks tool block")
	}

	events, err := trace.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	plan := findKind(t, events, models.EventToolPlan)
	callList := plan.Data["calls"].([]any)
	if len(callList) != 1 {
		t.Fatalf("plan calls = %v", callList)
	}
	entry := callList[0].(map[string]any)
	if entry["id"] != "t1" || entry["tool"] != "fs.list_dir" {
		t.Errorf("plan entry = %v", entry)
	}
	if countKind(events, models.EventToolStart) != 1 || countKind(events, models.EventToolDone) != 1 {
		t.Errorf("tool start/done counts wrong: %v", kinds(events))
	}
	done := findKind(t, events, models.EventToolDone)
	if done.Data["ok"] != true {
		t.Errorf("tool_done = %v", done.Data)
	}
	if _, ok := done.Data["duration_ms"]; !ok {
		t.Error("tool_done missing merged metadata")
	}

	// Second completion sees the tool results appended to the prompt.
	calls := fake.Calls()
	if len(calls) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(calls))
	}
	if !strings.Contains(calls[1].Prompt, protocol.ToolResultsHeader) {
		t.Errorf("second prompt missing tool results:\n%s", calls[1].Prompt)
	}
	if !strings.HasPrefix(calls[1].Prompt, calls[0].Prompt) {
		t.Error("second prompt does not extend the first")
	}
}

func TestRunGovernorNoCallsKeepsVisibleText(t *testing.T) {
	fake := backend.NewFake()
	fake.ExtendRoleResponses(RoleGovernor, "Just an answer.")

	cp := models.NewCheckpoint("s1")
	final, _, err := Run(context.Background(), cp, "hi", Config{
		Roles:   []RoleSpec{{Name: RoleGovernor, SystemPrompt: "Decide."}},
		Backend: fake,
	})
	if err != nil {
		t.Fatal(err)
	}
	if final != "Just an answer." {
		t.Errorf("final = %q", final)
	}
	if len(fake.Calls()) != 1 {
		t.Errorf("backend calls = %d, want 1", len(fake.Calls()))
	}
}

func TestRunGovernorCallsWithoutExecutorDropped(t *testing.T) {
	toolBlock := protocol.ToolCallsStart + `{"id":"t1","tool":"fs.list_dir","args":{}}` + protocol.ToolCallsEnd
	fake := backend.NewFake()
	fake.ExtendRoleResponses(RoleGovernor, "Answer.\n"+toolBlock)

	tracer, path := newTracer(t)
	cp := models.NewCheckpoint("s1")
	final, _, err := Run(context.Background(), cp, "hi", Config{
		Roles:   []RoleSpec{{Name: RoleGovernor, SystemPrompt: "Decide."}},
		Backend: fake,
		Tracer:  tracer,
	})
	if err != nil {
		t.Fatal(err)
	}
	if final != "Answer." {
		t.Errorf("final = %q", final)
	}
	events, _ := trace.ReadFile(path)
	if countKind(events, models.EventToolPlan) != 0 {
		t.Error("tool_plan emitted without an executor")
	}
}

func TestRunSecondRoundToolCallsIgnored(t *testing.T) {
	root := t.TempDir()
	executor := tools.NewDefaultExecutor(root, nil)
	block1 := protocol.ToolCallsStart + `{"id":"t1","tool":"fs.list_dir","args":{}}` + protocol.ToolCallsEnd
	block2 := protocol.ToolCallsStart + `{"id":"t2","tool":"fs.list_dir","args":{}}` + protocol.ToolCallsEnd

	fake := backend.NewFake()
	fake.ExtendRoleResponses(RoleGovernor, block1, "Done.\n"+block2)

	tracer, path := newTracer(t)
	cp := models.NewCheckpoint("s1")
	final, _, err := Run(context.Background(), cp, "hi", Config{
		Roles:    []RoleSpec{{Name: RoleGovernor, SystemPrompt: "Decide."}},
		Backend:  fake,
		Executor: executor,
		Tracer:   tracer,
	})
	if err != nil {
		t.Fatal(err)
	}
	if final != "Done." {
		t.Errorf("final = %q", final)
	}

	events, _ := trace.ReadFile(path)
	var ignoredPlans int
	for _, e := range events {
		if e.Kind == models.EventToolPlan && e.Data["ignored"] == true {
			ignoredPlans++
		}
	}
	if ignoredPlans != 1 {
		t.Errorf("ignored tool_plan count = %d, want 1", ignoredPlans)
	}
	// Only one round executed.
	if countKind(events, models.EventToolStart) != 1 {
		t.Errorf("tool_start count = %d, want 1", countKind(events, models.EventToolStart))
	}
}

func TestRunCoercedToolCalls(t *testing.T) {
	root := t.TempDir()
	executor := tools.NewDefaultExecutor(root, nil)

	fake := backend.NewFake()
	fake.ExtendRoleResponses(RoleGovernor, `{"name":"fs.list_dir","arguments":"{\"path\":\".\"}"}`, "Listed.")

	tracer, path := newTracer(t)
	cp := models.NewCheckpoint("s1")
	final, _, err := Run(context.Background(), cp, "hi", Config{
		Roles:    []RoleSpec{{Name: RoleGovernor, SystemPrompt: "Decide."}},
		Backend:  fake,
		Executor: executor,
		Tracer:   tracer,
	})
	if err != nil {
		t.Fatal(err)
	}
	if final != "Listed." {
		t.Errorf("final = %q", final)
	}
	if strings.Contains(final, "fs.list_dir") {
		t.Error("final text leaks coerced call")
	}

	events, _ := trace.ReadFile(path)
	coerced := findKind(t, events, models.EventToolCallsCoerced)
	if coerced.Data["count"] != float64(1) {
		t.Errorf("tool_calls_coerced = %v", coerced.Data)
	}
	if countKind(events, models.EventToolStart) != 1 {
		t.Errorf("tool_start count = %d, want 1", countKind(events, models.EventToolStart))
	}
}

func TestRunGovernorNotesApplied(t *testing.T) {
	notes := protocol.NotesStart + `{"add_decisions":["use sqlite"],"actions":["request_permission:net"]}` + protocol.NotesEnd
	fake := backend.NewFake()
	fake.ExtendRoleResponses(RoleGovernor, "Decided.\n"+notes)

	tracer, path := newTracer(t)
	cp := models.NewCheckpoint("s1")
	final, results, err := Run(context.Background(), cp, "hi", Config{
		Roles:   []RoleSpec{{Name: RoleGovernor, SystemPrompt: "Decide."}},
		Backend: fake,
		Tracer:  tracer,
	})
	if err != nil {
		t.Fatal(err)
	}
	if final != "Decided." {
		t.Errorf("final = %q", final)
	}
	if len(cp.State.Decisions) != 1 || cp.State.Decisions[0] != "use sqlite" {
		t.Errorf("decisions = %v", cp.State.Decisions)
	}
	if len(cp.State.CapabilitiesPending) != 1 || cp.State.CapabilitiesPending[0] != "net" {
		t.Errorf("pending = %v", cp.State.CapabilitiesPending)
	}
	if results[0].Notes == nil {
		t.Error("result notes not recorded")
	}

	events, _ := trace.ReadFile(path)
	patch := findKind(t, events, models.EventNotesPatch)
	if patch.Data["role"] != RoleGovernor {
		t.Errorf("notes_patch = %v", patch.Data)
	}
	actions := findKind(t, events, models.EventActions)
	applied := actions.Data["applied"].([]any)
	if len(applied) != 1 || applied[0] != "request_permission:net" {
		t.Errorf("actions applied = %v", applied)
	}
	if countKind(events, models.EventNotesIgnored) != 0 {
		t.Error("governor patch reported as ignored")
	}
}

func TestRunNonGovernorNotesIgnored(t *testing.T) {
	notes := protocol.NotesStart + `{"add_decisions":["planner idea"]}` + protocol.NotesEnd
	fake := backend.NewFake()
	fake.ExtendRoleResponses(RolePlanner, "Planning.\n"+notes)
	fake.ExtendRoleResponses(RoleGovernor, "Final.")

	tracer, path := newTracer(t)
	cp := models.NewCheckpoint("s1")
	_, results, err := Run(context.Background(), cp, "hi", Config{
		Roles: []RoleSpec{
			{Name: RolePlanner, SystemPrompt: "Plan."},
			{Name: RoleGovernor, SystemPrompt: "Decide."},
		},
		Backend: fake,
		Tracer:  tracer,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cp.State.Decisions) != 0 {
		t.Errorf("state mutated by non-governor notes: %v", cp.State.Decisions)
	}
	if results[0].Notes == nil {
		t.Error("planner notes not surfaced in result")
	}
	if strings.Contains(results[0].Text, protocol.NotesStart) {
		t.Error("notes block leaked into visible text")
	}

	events, _ := trace.ReadFile(path)
	ignored := findKind(t, events, models.EventNotesIgnored)
	if ignored.Data["role"] != RolePlanner {
		t.Errorf("notes_ignored = %v", ignored.Data)
	}
	if countKind(events, models.EventNotesPatch) != 0 {
		t.Error("notes_patch emitted for ignored notes")
	}
}

func TestRunUpstreamCondense(t *testing.T) {
	policy := condense.DefaultPolicy()
	policy.MaxUpstreamCharsPerRole = 40
	policy.MaxUpstreamTotalChars = 60

	fake := backend.NewFake()
	fake.ExtendRoleResponses(RoleReflection, strings.Repeat("reflection output ", 20))
	fake.ExtendRoleResponses(RoleGovernor, "Short.")

	tracer, path := newTracer(t)
	cp := models.NewCheckpoint("s1")
	_, _, err := Run(context.Background(), cp, "hi", Config{
		Roles: []RoleSpec{
			{Name: RoleReflection, SystemPrompt: "Reflect."},
			{Name: RoleGovernor, SystemPrompt: "Decide."},
		},
		Backend: fake,
		Policy:  policy,
		Tracer:  tracer,
	})
	if err != nil {
		t.Fatal(err)
	}

	events, _ := trace.ReadFile(path)
	cond := findKind(t, events, models.EventCondense)
	if cond.Data["scope"] != "upstream" || cond.Data["role"] != RoleGovernor {
		t.Errorf("condense = %v", cond.Data)
	}
	report := cond.Data["report"].(map[string]any)
	if report["after_total_chars"].(float64) >= report["before_total_chars"].(float64) {
		t.Errorf("report = %v", report)
	}

	// The governor prompt carries the condensed text, not the original.
	calls := fake.Calls()
	if len(calls[1].Prompt) >= len(calls[0].Prompt)+600 {
		t.Error("governor prompt does not look condensed")
	}
}

func TestRunSanitizeWarning(t *testing.T) {
	fake := backend.NewFake()
	fake.ExtendRoleResponses(RoleGovernor, "<think>internal reasoning only</think>")

	tracer, path := newTracer(t)
	cp := models.NewCheckpoint("s1")
	final, _, err := Run(context.Background(), cp, "hi", Config{
		Roles:   []RoleSpec{{Name: RoleGovernor, SystemPrompt: "Decide."}},
		Backend: fake,
		Tracer:  tracer,
	})
	if err != nil {
		t.Fatal(err)
	}
	if final != "..." {
		t.Errorf("final = %q, want placeholder", final)
	}

	events, _ := trace.ReadFile(path)
	warning := findKind(t, events, models.EventSanitizeWarning)
	if warning.Data["message"] != "visible output empty after sanitization" {
		t.Errorf("sanitize_warning = %v", warning.Data)
	}
	san := findKind(t, events, models.EventSanitize)
	if san.Data["after_chars"].(float64) != 3 {
		t.Errorf("sanitize = %v", san.Data)
	}
}

func TestRunRetrievalBlock(t *testing.T) {
	store, err := retrieval.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	embedder, _ := retrieval.NewHashEmbedder(retrieval.DefaultDim)
	ctx := context.Background()
	vecs, _ := embedder.Embed(ctx, []string{"the deploy password is stored in vault"})
	if err := store.Add(ctx, []retrieval.Record{{ID: "m1", Text: "the deploy password is stored in vault"}}, vecs); err != nil {
		t.Fatal(err)
	}

	fake := backend.NewFake()
	fake.ExtendRoleResponses(RolePlanner, "Plan.")
	fake.ExtendRoleResponses(RoleGovernor, "Final.")

	tracer, path := newTracer(t)
	cp := models.NewCheckpoint("s1")
	_, _, err = Run(ctx, cp, "where is the deploy password?", Config{
		Roles: []RoleSpec{
			{Name: RolePlanner, SystemPrompt: "Plan.", WantsRetrieval: true},
			{Name: RoleGovernor, SystemPrompt: "Decide."},
		},
		Backend: fake,
		Memory:  &retrieval.Memory{Store: store, Embedder: embedder},
		Tracer:  tracer,
	})
	if err != nil {
		t.Fatal(err)
	}

	calls := fake.Calls()
	if !strings.Contains(calls[0].Prompt, retrieval.BlockStart) {
		t.Errorf("planner prompt missing retrieval block:\n%s", calls[0].Prompt)
	}
	if strings.Contains(calls[1].Prompt, retrieval.BlockStart) {
		t.Error("governor prompt has retrieval block without opting in")
	}

	events, _ := trace.ReadFile(path)
	ev := findKind(t, events, models.EventRetrieval)
	if ev.Data["k"].(float64) != DefaultRetrievalK {
		t.Errorf("retrieval event = %v", ev.Data)
	}
	ids := ev.Data["ids"].([]any)
	if len(ids) != 1 || ids[0] != "m1" {
		t.Errorf("retrieval ids = %v", ids)
	}
}

func TestRunMemoryPressureTracedOnce(t *testing.T) {
	fake := backend.NewFake()
	fake.ExtendResponses("a", "b", "c", "d")

	tracer, path := newTracer(t)
	cp := models.NewCheckpoint("s1")
	roles := fourRoles()
	for i := range roles {
		roles[i].MemoryFeedback = FeatureBasic
	}
	_, _, err := Run(context.Background(), cp, "hi", Config{Roles: roles, Backend: fake, Tracer: tracer})
	if err != nil {
		t.Fatal(err)
	}

	events, _ := trace.ReadFile(path)
	if n := countKind(events, models.EventMemoryPressure); n != 1 {
		t.Errorf("memory_pressure count = %d, want 1", n)
	}
	// Every role still gets the feedback block in its prompt.
	for i, call := range fake.Calls() {
		if !strings.Contains(call.Prompt, FeedbackStart) {
			t.Errorf("call %d missing feedback block", i)
		}
	}
}

func TestRunTelemetryBlock(t *testing.T) {
	fake := backend.NewFake()
	fake.ExtendResponses("a", "b")

	tracer, path := newTracer(t)
	cp := models.NewCheckpoint("s1")
	_, _, err := Run(context.Background(), cp, "hi", Config{
		Roles: []RoleSpec{
			{Name: RoleReflection, SystemPrompt: "Reflect.", Telemetry: FeatureBasic},
			{Name: RoleGovernor, SystemPrompt: "Decide."},
		},
		Backend: fake,
		Tracer:  tracer,
	})
	if err != nil {
		t.Fatal(err)
	}

	calls := fake.Calls()
	if !strings.Contains(calls[0].Prompt, "=== TELEMETRY (basic) ===") {
		t.Errorf("reflection prompt missing telemetry:\n%s", calls[0].Prompt)
	}
	if strings.Contains(calls[1].Prompt, "=== TELEMETRY (basic) ===") {
		t.Error("governor prompt has telemetry without opting in")
	}

	events, _ := trace.ReadFile(path)
	ev := findKind(t, events, models.EventTelemetry)
	rolesList := ev.Data["roles"].([]any)
	if len(rolesList) != 1 || rolesList[0] != RoleReflection {
		t.Errorf("telemetry roles = %v", rolesList)
	}
}

func TestRunBackendErrorPropagates(t *testing.T) {
	cp := models.NewCheckpoint("s1")
	_, _, err := Run(context.Background(), cp, "hi", Config{
		Roles:   []RoleSpec{{Name: RoleGovernor, SystemPrompt: "Decide."}},
		Backend: failingBackend{},
	})
	if err == nil || !strings.Contains(err.Error(), "role governor completion") {
		t.Errorf("err = %v", err)
	}
}

type failingBackend struct{}

func (failingBackend) Complete(context.Context, string, backend.Params) (string, error) {
	return "", context.DeadlineExceeded
}

func TestRunNoBackend(t *testing.T) {
	cp := models.NewCheckpoint("s1")
	if _, _, err := Run(context.Background(), cp, "hi", Config{Roles: fourRoles()}); err == nil {
		t.Fatal("expected error without backend")
	}
}

func TestComposePromptOrder(t *testing.T) {
	state := models.NewState()
	role := RoleSpec{Name: RolePlanner, SystemPrompt: "Plan.", WantsRetrieval: true}
	upstream := []RoleResult{{Role: RoleReflection, Text: "noted"}}

	prompt := composePrompt(role, state, upstream, `[{"role":"user","content":"hi"}]`, "hi", nil, "", "=== RETRIEVAL ===\n(no matches)\n=== END RETRIEVAL ===")
	order := []string{"Plan.", "STATE:\n", "=== RETRIEVAL ===", "HISTORY_JSON:\n", "UPSTREAM:\nreflection: noted", "USER:\nhi"}
	pos := -1
	for _, marker := range order {
		idx := strings.Index(prompt, marker)
		if idx < 0 {
			t.Fatalf("prompt missing %q:\n%s", marker, prompt)
		}
		if idx <= pos {
			t.Errorf("section %q out of order", marker)
		}
		pos = idx
	}
}

func TestComposePromptEmptyHistory(t *testing.T) {
	prompt := composePrompt(RoleSpec{Name: "x", SystemPrompt: "Sys."}, models.NewState(), nil, "", "hi", nil, "", "")
	if !strings.Contains(prompt, "HISTORY_JSON:\n[]") {
		t.Errorf("prompt = %q", prompt)
	}
}
