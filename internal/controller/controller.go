// Package controller drives one conversational turn end to end:
// checkpoint load, pipeline run, trace capture, checkpoint save. It
// owns the on-disk session layout under a data root (checkpoints/,
// traces/, sandbox/).
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/spectator/internal/backend"
	"github.com/haasonsaas/spectator/internal/checkpoint"
	"github.com/haasonsaas/spectator/internal/observability"
	"github.com/haasonsaas/spectator/internal/pipeline"
	"github.com/haasonsaas/spectator/internal/prompts"
	"github.com/haasonsaas/spectator/internal/retrieval"
	"github.com/haasonsaas/spectator/internal/tools"
	"github.com/haasonsaas/spectator/internal/trace"
	"github.com/haasonsaas/spectator/pkg/models"
)

// DefaultDataRoot holds session state when no override is given.
const DefaultDataRoot = "data"

// Config parameterizes a Controller.
type Config struct {
	// DataRoot is the directory receiving checkpoints/, traces/, and
	// sandbox/. Defaults to DefaultDataRoot.
	DataRoot string
	// Backend completes role prompts. Required.
	Backend backend.Backend
	// Memory, when set, enables retrieval for the planner and governor
	// roles.
	Memory *retrieval.Memory
	// MaxToolRounds caps governor tool rounds; zero means the pipeline
	// default.
	MaxToolRounds int
	// Metrics, when set, counts turns and mirrors trace events into
	// Prometheus collectors.
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Controller runs turns for sessions under one data root. Turns for
// the same session must be serialized by the caller; turns for
// different sessions may run concurrently.
type Controller struct {
	dataRoot  string
	backend   backend.Backend
	memory    *retrieval.Memory
	maxRounds int
	store     *checkpoint.Store
	metrics   *observability.Metrics
	log       *slog.Logger
}

// New builds a controller. Nothing is created on disk until the first
// turn runs.
func New(cfg Config) (*Controller, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("controller requires a backend")
	}
	dataRoot := cfg.DataRoot
	if dataRoot == "" {
		dataRoot = DefaultDataRoot
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		dataRoot:  dataRoot,
		backend:   cfg.Backend,
		memory:    cfg.Memory,
		maxRounds: cfg.MaxToolRounds,
		store:     checkpoint.NewStore(filepath.Join(dataRoot, "checkpoints")),
		metrics:   cfg.Metrics,
		log:       logger,
	}, nil
}

// CheckpointPath returns where the session's checkpoint file lives.
func (c *Controller) CheckpointPath(sessionID string) string {
	return c.store.Path(sessionID)
}

// Store exposes the checkpoint store for admin surfaces.
func (c *Controller) Store() *checkpoint.Store { return c.store }

// TraceDir returns the directory receiving trace files.
func (c *Controller) TraceDir() string {
	return filepath.Join(c.dataRoot, "traces")
}

// SandboxRoot returns the tool sandbox directory.
func (c *Controller) SandboxRoot() string {
	return filepath.Join(c.dataRoot, "sandbox")
}

// RunTurn executes one full turn for a session and returns the final
// visible text. The run id is derived from the revision the checkpoint
// will hold after saving, so traces and checkpoints stay in lockstep.
// A pipeline failure leaves the checkpoint at its previous revision;
// the partial trace file remains on disk for autopsy.
func (c *Controller) RunTurn(ctx context.Context, sessionID, userText string) (final string, err error) {
	if c.metrics != nil {
		start := time.Now()
		defer func() {
			status := "ok"
			if err != nil {
				status = "error"
			}
			c.metrics.RecordTurn(status, time.Since(start).Seconds())
		}()
	}

	cp, err := c.store.LoadOrCreate(sessionID)
	if err != nil {
		return "", err
	}
	cp.AppendMessage(models.RoleUser, userText)

	// Save() bumps the revision, so the id for this run is one ahead.
	runID := trace.RunID(cp.Revision + 1)
	traceDir := c.TraceDir()
	if err := os.MkdirAll(traceDir, 0o755); err != nil {
		return "", fmt.Errorf("create trace dir: %w", err)
	}
	tracer, err := trace.NewWriter(filepath.Join(traceDir, trace.FileName(sessionID, runID)))
	if err != nil {
		return "", err
	}
	defer tracer.Close()
	if c.metrics != nil {
		tracer.SetObserver(c.metrics.ObserveEvent)
	}

	if resetter, ok := c.backend.(backend.SlotResetter); ok {
		resetter.ResetSlotCache(ctx, runID, tracer)
	}

	sandboxRoot := c.SandboxRoot()
	if err := os.MkdirAll(sandboxRoot, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox: %w", err)
	}
	executor := tools.NewDefaultExecutor(sandboxRoot, c.log)

	roles, err := DefaultRoles()
	if err != nil {
		return "", err
	}
	if c.memory != nil {
		for i := range roles {
			if roles[i].Name == pipeline.RolePlanner || roles[i].Name == pipeline.RoleGovernor {
				roles[i].WantsRetrieval = true
			}
		}
	}

	c.log.Info("turn start", "session", sessionID, "run", runID)
	final, _, err = pipeline.Run(ctx, cp, userText, pipeline.Config{
		Roles:         roles,
		Backend:       c.backend,
		Memory:        c.memory,
		Executor:      executor,
		MaxToolRounds: c.maxRounds,
		Tracer:        tracer,
		Logger:        c.log,
	})
	if err != nil {
		return "", fmt.Errorf("run %s: %w", runID, err)
	}

	cp.AppendMessage(models.RoleAssistant, final)
	cp.AppendTraceFile(filepath.Base(tracer.Path()))
	if err := c.store.Save(cp); err != nil {
		return "", err
	}
	c.log.Info("turn done", "session", sessionID, "run", runID, "revision", cp.Revision)
	return final, nil
}

var defaultRoleNames = []string{
	pipeline.RoleReflection,
	pipeline.RolePlanner,
	pipeline.RoleCritic,
	pipeline.RoleGovernor,
}

// DefaultRoles returns the standard reflection, planner, critic, and
// governor pipeline with the safety suffix appended to each prompt.
func DefaultRoles() ([]pipeline.RoleSpec, error) {
	specs := make([]pipeline.RoleSpec, 0, len(defaultRoleNames))
	for _, name := range defaultRoleNames {
		text, err := prompts.Role(name)
		if err != nil {
			return nil, err
		}
		specs = append(specs, pipeline.RoleSpec{
			Name:         name,
			SystemPrompt: prompts.WithSafetySuffix(text),
		})
	}
	return specs, nil
}
