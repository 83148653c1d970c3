// ABOUTME: Camera and robot behaviour for the fake agent
// ABOUTME: The camera publishes face detections, the robot greets the people it hears about

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/XmasRock/multi-agent-conversational-system/internal/client"
	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

const (
	roleCamera = "camera"
	roleRobot  = "robot"

	contextFaceDetected = "face_detected"
	actionGreet         = "greet"
	actionWave          = "wave"

	// Priority 4 clears the default broadcast threshold.
	facePriority = 4
)

// camera publishes a face detection on every tick, cycling through people.
type camera struct {
	people   []string
	interval time.Duration
	logger   *slog.Logger
	next     int
}

// publisher is the part of client.Agent the camera needs.
type publisher interface {
	Publish(ctx context.Context, contextType string, data any, priority int) (int64, error)
}

func (c *camera) observe(ctx context.Context, agent publisher) {
	if len(c.people) == 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.detect(ctx, agent)
		}
	}
}

func (c *camera) detect(ctx context.Context, agent publisher) {
	name := c.people[c.next%len(c.people)]
	c.next++

	id, err := agent.Publish(ctx, contextFaceDetected, faceEvent(name, c.next), facePriority)
	switch {
	case errors.Is(err, client.ErrNotConnected):
		c.logger.Debug("not connected, skipping detection", "name", name)
	case err != nil:
		c.logger.Warn("publish failed", "name", name, "error", err)
	default:
		c.logger.Info("face detected", "name", name, "id", id)
	}
}

func faceEvent(name string, seq int) map[string]any {
	return map[string]any{
		"name":       name,
		"confidence": 0.9 + float64(seq%10)/100,
		"bbox":       []int{120, 80, 64, 64},
	}
}

// actionLogger is the part of client.Client the robot needs.
type actionLogger interface {
	LogAction(ctx context.Context, agentID, actionType string, parameters any) (*store.ActionRecord, error)
}

// robot performs greet and wave actions and, when autoGreet is set, asks
// the hub to greet each person the camera reports.
type robot struct {
	agentID   string
	autoGreet bool
	cooldown  time.Duration
	api       actionLogger
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	greeted map[string]time.Time
}

func (r *robot) perform(_ context.Context, action *store.ActionRecord) (any, bool) {
	switch action.ActionType {
	case actionGreet:
		name := paramString(action.Parameters, "name")
		if name == "" {
			return map[string]any{"error": "parameter name is required"}, false
		}
		r.logger.Info("greeting", "name", name, "action_id", action.ID)
		return map[string]any{"said": fmt.Sprintf("Hello, %s!", name)}, true
	case actionWave:
		r.logger.Info("waving", "action_id", action.ID)
		return map[string]any{"waved": true}, true
	default:
		r.logger.Warn("unsupported action", "action_type", action.ActionType, "action_id", action.ID)
		return map[string]any{"error": "unsupported action " + action.ActionType}, false
	}
}

func (r *robot) onContext(ctx context.Context, entry *store.ContextEntry) {
	if !r.autoGreet || entry.ContextType != contextFaceDetected {
		return
	}
	name := paramString(entry.Data, "name")
	if name == "" || !r.shouldGreet(name) {
		return
	}
	go func() {
		rec, err := r.api.LogAction(ctx, r.agentID, actionGreet, map[string]any{"name": name})
		if err != nil {
			r.logger.Warn("requesting greeting failed", "name", name, "error", err)
			return
		}
		r.logger.Debug("greeting requested", "name", name, "action_id", rec.ID)
	}()
}

// shouldGreet reports whether name has not been greeted within the cooldown
// and records the greeting if so.
func (r *robot) shouldGreet(name string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.greeted[name]; ok && now.Sub(last) < r.cooldown {
		return false
	}
	r.greeted[name] = now
	return true
}

func paramString(v any, key string) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// buildAgent returns agent options for the role, plus the camera loop when
// the role has one.
func buildAgent(opts options, logger *slog.Logger) (client.AgentOptions, *camera, error) {
	agentOpts := client.AgentOptions{
		HubURL: opts.hubURL,
		Token:  opts.token,
		Metadata: map[string]any{
			"simulated": true,
		},
		Logger: logger,
	}

	switch opts.role {
	case roleCamera:
		agentOpts.AgentID = defaultString(opts.agentID, "cam-1")
		agentOpts.AgentType = roleCamera
		agentOpts.Capabilities = []string{"face_detection"}
		cam := &camera{
			people:   opts.people,
			interval: opts.interval,
			logger:   logger.With("component", "camera"),
		}
		return agentOpts, cam, nil

	case roleRobot:
		agentOpts.AgentID = defaultString(opts.agentID, "robot-1")
		agentOpts.AgentType = roleRobot
		agentOpts.Capabilities = []string{actionGreet, actionWave}
		agentOpts.Subscriptions = []string{contextFaceDetected}
		r := &robot{
			agentID:   agentOpts.AgentID,
			autoGreet: opts.autoGreet,
			cooldown:  opts.cooldown,
			api:       client.New(opts.hubURL, opts.token),
			logger:    logger.With("component", "robot"),
			now:       time.Now,
			greeted:   make(map[string]time.Time),
		}
		agentOpts.OnAction = r.perform
		agentOpts.OnContext = func(entry *store.ContextEntry) {
			r.onContext(context.Background(), entry)
		}
		return agentOpts, nil, nil

	default:
		return client.AgentOptions{}, nil, fmt.Errorf("unknown role %q (want %s or %s)", opts.role, roleCamera, roleRobot)
	}
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
