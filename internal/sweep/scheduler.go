package sweep

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"qrattendance/internal/metrics"
)

// DefaultCronExpression fires at 09:30 on weekdays.
const DefaultCronExpression = "30 9 * * 1-5"

// SchedulerConfig controls when sweeps fire.
type SchedulerConfig struct {
	Cutoff     string // HH:MM
	Weekdays   string // cron day-of-week field
	Expression string // overrides Cutoff/Weekdays when set
	Location   *time.Location
}

// Info describes the schedule.
type Info struct {
	CutoffTime     string     `json:"cutoff_time,omitempty"`
	CronExpression string     `json:"cron_expression"`
	Timezone       string     `json:"timezone"`
	Started        bool       `json:"started"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	Running        bool       `json:"running"`
}

// Scheduler fires the sweeper on a cron schedule in the configured timezone.
type Scheduler struct {
	sweeper  *Sweeper
	cfg      SchedulerConfig
	schedule cron.Schedule

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// CronExpression turns a HH:MM cutoff and a day-of-week field into a
// five-field cron expression.
func CronExpression(cutoff, weekdays string) (string, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(cutoff), ":")
	if !ok {
		return "", fmt.Errorf("cutoff %q: want HH:MM", cutoff)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("cutoff %q: bad hour", cutoff)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("cutoff %q: bad minute", cutoff)
	}
	if weekdays = strings.TrimSpace(weekdays); weekdays == "" {
		weekdays = "*"
	}
	return fmt.Sprintf("%d %d * * %s", minute, hour, weekdays), nil
}

// NewScheduler validates the schedule. Nothing fires until Start.
func NewScheduler(sweeper *Sweeper, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Expression != "" {
		cfg.Cutoff = cutoffOf(cfg.Expression)
	} else {
		if cfg.Cutoff == "" {
			cfg.Cutoff = "09:30"
		}
		expr, err := CronExpression(cfg.Cutoff, cfg.Weekdays)
		if err != nil {
			return nil, err
		}
		cfg.Expression = expr
	}
	schedule, err := cron.ParseStandard(cfg.Expression)
	if err != nil {
		return nil, fmt.Errorf("parsing cron expression %q: %w", cfg.Expression, err)
	}
	return &Scheduler{sweeper: sweeper, cfg: cfg, schedule: schedule}, nil
}

// cutoffOf reports the HH:MM an expression fires at, or "" when its minute
// or hour field is not a single value.
func cutoffOf(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return ""
	}
	minute, err := strconv.Atoi(fields[0])
	if err != nil || minute < 0 || minute > 59 {
		return ""
	}
	hour, err := strconv.Atoi(fields[1])
	if err != nil || hour < 0 || hour > 23 {
		return ""
	}
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

// Start begins firing. Calling it again while started is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(s.fire))
	c.Start()
	s.cron = c
	s.started = true
	log.Printf("[sweep] scheduler started expr=%q tz=%s", s.cfg.Expression, s.cfg.Location)
}

// Stop cancels future firings. A sweep already in flight runs to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cron.Stop()
	s.cron = nil
	s.started = false
	log.Println("[sweep] scheduler stopped")
}

// Trigger runs a sweep now through the same path as a scheduled firing.
// Cancellation of ctx does not stop the run.
func (s *Scheduler) Trigger(ctx context.Context) (Summary, error) {
	metrics.SweepRuns.WithLabelValues("manual").Inc()
	return s.sweeper.Run(context.WithoutCancel(ctx))
}

func (s *Scheduler) fire() {
	metrics.SweepRuns.WithLabelValues("scheduled").Inc()
	if _, err := s.sweeper.Run(context.Background()); err != nil {
		log.Printf("[sweep] scheduled run failed: %v", err)
	}
}

// Info reports the schedule and whether a sweep is running.
func (s *Scheduler) Info() Info {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	next := s.schedule.Next(time.Now().In(s.cfg.Location))
	info := Info{
		CutoffTime:     s.cfg.Cutoff,
		CronExpression: s.cfg.Expression,
		Timezone:       s.cfg.Location.String(),
		Started:        started,
		Running:        s.sweeper.Running(),
	}
	if started && !next.IsZero() {
		info.NextRun = &next
	}
	return info
}
