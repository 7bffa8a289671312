package scheduler

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"veilrate/internal/config"
	"veilrate/internal/email"
	"veilrate/internal/repository"
	"veilrate/internal/service"
)

// Scheduler handles periodic tasks: sweeping expired decryption requests and
// auditing the event hash chain.
type Scheduler struct {
	protocolService *service.ProtocolService
	eventService    *service.EventService
	roleRepo        *repository.RoleRepository
	emailService    *email.Service
	config          *config.SchedulerConfig
	requestTTL      time.Duration
	stopChan        chan bool
}

// NewScheduler creates a new scheduler
func NewScheduler(
	protocolService *service.ProtocolService,
	eventService *service.EventService,
	roleRepo *repository.RoleRepository,
	emailService *email.Service,
	cfg *config.SchedulerConfig,
	requestTTL time.Duration,
) *Scheduler {
	return &Scheduler{
		protocolService: protocolService,
		eventService:    eventService,
		roleRepo:        roleRepo,
		emailService:    emailService,
		config:          cfg,
		requestTTL:      requestTTL,
		stopChan:        make(chan bool),
	}
}

// Start starts all scheduled tasks
func (s *Scheduler) Start() {
	slog.Info("Starting scheduler",
		"expiry_sweep_enabled", s.requestTTL > 0,
		"expiry_sweep_cron", s.config.ExpirySweepCron,
		"chain_audit_cron", s.config.ChainAuditCron)

	if s.requestTTL > 0 {
		if err := s.startCronTask(s.config.ExpirySweepCron, "request_expiry", s.sweepExpiredRequests); err != nil {
			slog.Error("Failed to start request expiry sweep", "error", err)
		}
	} else {
		slog.Info("Request expiry disabled, pending requests stay open until answered")
	}

	if err := s.startCronTask(s.config.ChainAuditCron, "chain_audit", s.auditEventChain); err != nil {
		slog.Error("Failed to start chain audit", "error", err)
	}

	slog.Info("Scheduler started")
}

// startCronTask parses a cron expression and starts the task
// Supports simple cron format: "minute hour day month weekday"
// Examples: "0 9 * * 1" = Monday 9 AM, "0 * * * *" = Hourly, "*/5 * * * *" = Every 5 minutes
func (s *Scheduler) startCronTask(cronExpr, taskName string, task func()) error {
	parts := strings.Fields(cronExpr)
	if len(parts) != 5 {
		return fmt.Errorf("invalid cron expression: %s (expected 5 fields)", cronExpr)
	}

	// Parse minute field (supports */n for intervals)
	if strings.HasPrefix(parts[0], "*/") {
		// Interval notation: */5 = every 5 minutes
		interval, err := strconv.Atoi(parts[0][2:])
		if err != nil || interval < 1 || interval > 59 {
			return fmt.Errorf("invalid minute interval in cron: %s", parts[0])
		}
		// For interval tasks, run immediately
		go s.scheduleIntervalTask(time.Duration(interval)*time.Minute, taskName, task)
		return nil
	}

	minute, err := strconv.Atoi(parts[0])
	if err != nil || minute < 0 || minute > 59 {
		return fmt.Errorf("invalid minute in cron: %s", parts[0])
	}

	// Hour field: "*" runs hourly at the given minute, "*/n" every n hours
	if parts[1] == "*" {
		go s.scheduleHourlyTask(minute, taskName, task)
		return nil
	}
	if strings.HasPrefix(parts[1], "*/") {
		interval, err := strconv.Atoi(parts[1][2:])
		if err != nil || interval < 1 || interval > 23 {
			return fmt.Errorf("invalid hour interval in cron: %s", parts[1])
		}
		go s.scheduleHourlyIntervalTask(interval, minute, taskName, task)
		return nil
	}

	hour, err := strconv.Atoi(parts[1])
	if err != nil || hour < 0 || hour > 23 {
		return fmt.Errorf("invalid hour in cron: %s", parts[1])
	}

	// Check if daily or weekly
	if parts[4] == "*" {
		go s.scheduleDailyTask(hour, minute, taskName, task)
	} else {
		weekday, err := strconv.Atoi(parts[4])
		if err != nil || weekday < 0 || weekday > 6 {
			return fmt.Errorf("invalid weekday in cron: %s (0-6, 0=Sunday)", parts[4])
		}
		go s.scheduleWeeklyTask(time.Weekday(weekday), hour, minute, taskName, task)
	}

	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	slog.Info("Stopping scheduler")
	close(s.stopChan)
}

// scheduleIntervalTask runs a task at regular intervals
func (s *Scheduler) scheduleIntervalTask(interval time.Duration, taskName string, task func()) {
	slog.Info("Starting interval task", "task", taskName, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	slog.Info("Running interval task", "task", taskName)
	task()

	for {
		select {
		case <-ticker.C:
			slog.Info("Running interval task", "task", taskName)
			task()
		case <-s.stopChan:
			return
		}
	}
}

// scheduleHourlyTask runs a task every hour at a specific minute
func (s *Scheduler) scheduleHourlyTask(minute int, taskName string, task func()) {
	slog.Info("Starting hourly task", "task", taskName, "minute", minute)

	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(time.Hour)
		}

		select {
		case <-time.After(next.Sub(now)):
			slog.Info("Running hourly task", "task", taskName)
			task()
		case <-s.stopChan:
			return
		}
	}
}

// scheduleHourlyIntervalTask runs a task every N hours at a specific minute
func (s *Scheduler) scheduleHourlyIntervalTask(hourInterval, minute int, taskName string, task func()) {
	slog.Info("Starting hourly interval task", "task", taskName, "interval_hours", hourInterval, "minute", minute)

	for {
		now := time.Now()
		next := s.nextHourlyInterval(now, hourInterval, minute)

		slog.Info("Next hourly interval task scheduled", "task", taskName, "next_run", next.Format("2006-01-02 15:04:05"))

		select {
		case <-time.After(next.Sub(now)):
			slog.Info("Running hourly interval task", "task", taskName)
			task()
		case <-s.stopChan:
			return
		}
	}
}

// nextHourlyInterval calculates the next run time for hourly intervals
func (s *Scheduler) nextHourlyInterval(from time.Time, hourInterval, minute int) time.Time {
	next := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), minute, 0, 0, from.Location())

	if next.Before(from) || next.Equal(from) {
		next = next.Add(time.Hour)
	}

	for next.Hour()%hourInterval != 0 {
		next = next.Add(time.Hour)
	}

	return next
}

// scheduleDailyTask runs a task daily at a specific time
func (s *Scheduler) scheduleDailyTask(hour, minute int, taskName string, task func()) {
	for {
		now := time.Now()
		next := s.nextDailyRun(now, hour, minute)

		slog.Info("Next daily task scheduled", "task", taskName, "next_run", next.Format("2006-01-02 15:04:05"))

		select {
		case <-time.After(next.Sub(now)):
			slog.Info("Running daily task", "task", taskName)
			task()
		case <-s.stopChan:
			return
		}
	}
}

// scheduleWeeklyTask runs a task weekly on a specific weekday and time
func (s *Scheduler) scheduleWeeklyTask(weekday time.Weekday, hour, minute int, taskName string, task func()) {
	for {
		now := time.Now()
		next := s.nextWeekday(now, weekday, hour, minute)

		slog.Info("Next weekly task scheduled", "task", taskName, "next_run", next.Format("2006-01-02 15:04:05"))

		select {
		case <-time.After(next.Sub(now)):
			slog.Info("Running weekly task", "task", taskName)
			task()
		case <-s.stopChan:
			return
		}
	}
}

// nextWeekday calculates the next occurrence of a specific weekday and time
func (s *Scheduler) nextWeekday(from time.Time, weekday time.Weekday, hour, minute int) time.Time {
	next := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())

	daysUntil := int(weekday - from.Weekday())
	if daysUntil < 0 {
		daysUntil += 7
	}

	next = next.AddDate(0, 0, daysUntil)

	if next.Before(from) || next.Equal(from) {
		next = next.AddDate(0, 0, 7)
	}

	return next
}

// nextDailyRun calculates the next daily run time
func (s *Scheduler) nextDailyRun(from time.Time, hour, minute int) time.Time {
	next := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())

	if next.Before(from) || next.Equal(from) {
		next = next.AddDate(0, 0, 1)
	}

	return next
}

// sweepExpiredRequests closes pending decryption requests past their
// deadline. Each swept request leaves an expiry event behind.
func (s *Scheduler) sweepExpiredRequests() {
	expired, err := s.protocolService.ExpireRequests(time.Now())
	if err != nil {
		slog.Error("Request expiry sweep failed", "error", err)
		return
	}
	if expired > 0 {
		slog.Info("Expired pending requests", "count", expired)
	}
}

// auditEventChain recomputes the event hash chain and raises an alert on any
// break. A broken chain means stored events were altered after the fact.
func (s *Scheduler) auditEventChain() {
	verification, err := s.eventService.VerifyChain()
	if err != nil {
		slog.Error("Chain audit failed", "error", err)
		return
	}

	if !verification.Valid {
		slog.Error("Event chain audit found problems",
			"event_count", verification.EventCount,
			"problems", verification.Problems)
		s.sendChainAlerts(verification.EventCount, verification.Problems)
		return
	}

	slog.Info("Event chain audit passed", "event_count", verification.EventCount)
}

// sendChainAlerts emails every active auditor about a broken chain
func (s *Scheduler) sendChainAlerts(eventCount int, problems []string) {
	if !s.emailService.Enabled() {
		slog.Warn("Chain alert emails skipped, SMTP is not configured")
		return
	}

	auditors, err := s.roleRepo.GetUsersByRole("auditor")
	if err != nil {
		slog.Error("Failed to load auditors for chain alert", "error", err)
		return
	}

	alertsSent := 0
	for _, auditor := range auditors {
		if !auditor.IsActive || auditor.Email == "" {
			continue
		}

		if err := s.emailService.SendChainAlert(auditor.Email, eventCount, problems); err != nil {
			slog.Error("Failed to send chain alert", "auditor_email", auditor.Email, "error", err)
			continue
		}

		alertsSent++
		slog.Info("Chain alert sent", "auditor_email", auditor.Email)
	}

	slog.Info("Chain alerts completed", "alerts_sent", alertsSent)
}
