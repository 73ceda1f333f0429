package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/control"
	"github.com/t77yq/rolegroup/internal/model"
)

const (
	maxRecentAlerts = 100
	launchHistory   = time.Hour
)

// ErrRuleNotFound is returned for an unknown alert rule id
var ErrRuleNotFound = errors.New("alert rule not found")

// DefaultRules returns the rules a group starts with
func DefaultRules() []*model.AlertRule {
	return []*model.AlertRule{
		{Name: "role exhausted", Type: model.AlertTypeRoleExhausted, Severity: model.AlertSeverityError},
		{Name: "role faulted", Type: model.AlertTypeRoleFaulted, Severity: model.AlertSeverityWarning},
		{Name: "restart rate", Type: model.AlertTypeRestartRate, Window: 5 * time.Minute, Threshold: 5, Severity: model.AlertSeverityWarning},
		{Name: "group failed", Type: model.AlertTypeGroupFailed, Severity: model.AlertSeverityCritical},
	}
}

// AlertManager turns group events into alerts
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	group  string
	clock  clock.Clock

	mu       sync.Mutex
	rules    map[string]*model.AlertRule
	launches map[string][]time.Time
	fired    map[string]time.Time
	recent   []*model.Alert
}

// NewAlertManager creates an alert manager for a group. Js may be nil, then
// alerts are only logged and kept in memory.
func NewAlertManager(group string, js nats.JetStreamContext, clk clock.Clock, logger *zap.Logger) *AlertManager {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &AlertManager{
		logger:   logger.Named("alerts").With(zap.String("group", group)),
		js:       js,
		group:    group,
		clock:    clk,
		rules:    make(map[string]*model.AlertRule),
		launches: make(map[string][]time.Time),
		fired:    make(map[string]time.Time),
	}
}

// Start consumes the group's events from JetStream until ctx is done
func (m *AlertManager) Start(ctx context.Context) error {
	if err := control.SubscribeEvents(ctx, m.js, m.group, m.HandleEvent, m.logger); err != nil {
		return err
	}
	m.logger.Info("Alert manager started")
	return nil
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrRuleNotFound)
	}
	return rule, nil
}

// Rules returns every rule ordered by name
func (m *AlertManager) Rules() []*model.AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	rules := make([]*model.AlertRule, 0, len(m.rules))
	for _, rule := range m.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if rule.Type == model.AlertTypeRestartRate && (rule.Window <= 0 || rule.Threshold <= 0) {
		return fmt.Errorf("restart rate rule %q needs a window and a threshold", rule.Name)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = m.clock.Now()
	rule.UpdatedAt = rule.CreatedAt

	m.mu.Lock()
	m.rules[rule.ID] = rule
	m.mu.Unlock()
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.ID]; !ok {
		return fmt.Errorf("%s: %w", rule.ID, ErrRuleNotFound)
	}
	rule.UpdatedAt = m.clock.Now()
	m.rules[rule.ID] = rule
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrRuleNotFound)
	}
	delete(m.rules, id)
	return nil
}

// Alerts returns the most recent alerts, oldest first
func (m *AlertManager) Alerts() []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Alert(nil), m.recent...)
}

// HandleEvent evaluates the rules against one group event
func (m *AlertManager) HandleEvent(ev *model.GroupEvent) {
	m.mu.Lock()
	now := m.clock.Now()
	if ev.Type == model.GroupEventLaunched {
		m.recordLaunch(ev.Role, now)
	}

	var alerts []*model.Alert
	for _, rule := range m.rules {
		if rule.Silenced || !matchesRole(rule, ev.Role) {
			continue
		}
		if alert := m.evaluate(rule, ev, now); alert != nil {
			alerts = append(alerts, alert)
		}
	}

	for _, alert := range alerts {
		m.recent = append(m.recent, alert)
	}
	if len(m.recent) > maxRecentAlerts {
		m.recent = m.recent[len(m.recent)-maxRecentAlerts:]
	}
	m.mu.Unlock()

	for _, alert := range alerts {
		if err := m.publish(alert); err != nil {
			m.logger.Error("Failed to publish alert", zap.String("id", alert.ID), zap.Error(err))
		}
	}
}

func (m *AlertManager) evaluate(rule *model.AlertRule, ev *model.GroupEvent, now time.Time) *model.Alert {
	switch rule.Type {
	case model.AlertTypeRoleExhausted:
		if ev.Type != model.GroupEventExhausted {
			return nil
		}
		return m.newAlert(rule, ev, now, fmt.Sprintf("role %s ran out of restarts", ev.Role), valueData(ev))

	case model.AlertTypeRoleFaulted:
		if ev.Type != model.GroupEventCompleted || ev.Value == nil || !ev.Value.Faulted() {
			return nil
		}
		return m.newAlert(rule, ev, now, fmt.Sprintf("role %s failed: %s", ev.Role, ev.Value.Fault), valueData(ev))

	case model.AlertTypeRestartRate:
		if ev.Type != model.GroupEventLaunched {
			return nil
		}
		count := 0
		for _, at := range m.launches[ev.Role] {
			if now.Sub(at) <= rule.Window {
				count++
			}
		}
		if count <= rule.Threshold {
			return nil
		}
		key := rule.ID + "/" + ev.Role
		if last, ok := m.fired[key]; ok && now.Sub(last) < rule.Window {
			return nil
		}
		m.fired[key] = now
		return m.newAlert(rule, ev, now,
			fmt.Sprintf("role %s launched %d times within %s", ev.Role, count, rule.Window),
			map[string]interface{}{"launches": count, "window": rule.Window.String()})

	case model.AlertTypeGroupFailed:
		if ev.Type != model.GroupEventFailed {
			return nil
		}
		return m.newAlert(rule, ev, now, fmt.Sprintf("group %s failed: %s", ev.Group, ev.Error),
			map[string]interface{}{"error": ev.Error, "run_id": ev.RunID})
	}
	return nil
}

func (m *AlertManager) recordLaunch(role string, now time.Time) {
	launches := append(m.launches[role], now)
	keep := 0
	for _, at := range launches {
		if now.Sub(at) <= launchHistory {
			launches[keep] = at
			keep++
		}
	}
	m.launches[role] = launches[:keep]
}

func (m *AlertManager) newAlert(rule *model.AlertRule, ev *model.GroupEvent, now time.Time, message string, data map[string]interface{}) *model.Alert {
	return &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Group:     ev.Group,
		Role:      ev.Role,
		Message:   message,
		Data:      data,
		CreatedAt: now,
	}
}

func (m *AlertManager) publish(alert *model.Alert) error {
	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("role", alert.Role))

	if m.js == nil {
		return nil
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if _, err := m.js.Publish(control.AlertSubject(m.group, string(alert.Type)), data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

func matchesRole(rule *model.AlertRule, role string) bool {
	return rule.Role == "" || strings.EqualFold(rule.Role, role)
}

func valueData(ev *model.GroupEvent) map[string]interface{} {
	data := map[string]interface{}{"process_id": ev.ProcessID}
	if ev.Value != nil {
		data["exit_code"] = ev.Value.ExitCode
		if ev.Value.Fault != "" {
			data["fault"] = ev.Value.Fault
		}
	}
	return data
}
