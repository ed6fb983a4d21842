package autoscale

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/kvstore"
	"github.com/veldt-labs/opsplane/internal/models"
)

// KV keys the autoscaler owns or consumes.
const (
	WorkerCountKey   = "worker_count"
	CooldownKey      = "autoscale_cooldown_until"
	FinanceRollupKey = "finance_rollup"
)

// Action is what the autoscaler decided this round.
type Action string

const (
	ActionHold      Action = "hold"
	ActionFreeze    Action = "freeze"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
)

// FinanceRollup is the spend/profit input maintained by the billing side
// and read here through KV only.
type FinanceRollup struct {
	SpendUSD24h  float64 `json:"spendUsd24h"`
	MarginPct30d float64 `json:"marginPct30d"`
}

// Inputs is everything one evaluation consumes. The autoscaler reads KV and
// the metrics engine only, never raw logs.
type Inputs struct {
	Workers    int
	QueueDepth int
	P95Ms      float64
	SpendUSD   float64
	MarginPct  float64
	RollupAge  time.Duration
	InCooldown bool
	// IdleStreak counts consecutive evaluations that saw an idle system.
	IdleStreak int

	StabilizeOn      bool
	AutoscaleEnabled bool
}

// Decision is the outcome written to the decision event.
type Decision struct {
	Action Action `json:"action"`
	From   int    `json:"from"`
	To     int    `json:"to"`
	Reason string `json:"reason"`
}

// Config tunes the guards.
type Config struct {
	Min             int
	Max             int
	Cooldown        time.Duration
	DailySpendLimit float64
	ProfitStaleMax  time.Duration
	DryRun          bool
	Environment     string

	PressureP95Ms   float64 // latency above this is load pressure
	PressureDepth   int     // queue depth above this is load pressure
	IdleP95Ms       float64 // latency below this counts toward idle
	MinMarginPct    float64 // margin below this blocks scale up
	SpendGuardShare float64 // fraction of the daily limit that trips the spend guard
}

func (c *Config) defaults() {
	if c.Min < 1 {
		c.Min = 1
	}
	if c.Max < c.Min {
		c.Max = 4
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Minute
	}
	if c.ProfitStaleMax <= 0 {
		c.ProfitStaleMax = 24 * time.Hour
	}
	if c.PressureP95Ms == 0 {
		c.PressureP95Ms = 150
	}
	if c.PressureDepth == 0 {
		c.PressureDepth = 10
	}
	if c.IdleP95Ms == 0 {
		c.IdleP95Ms = 40
	}
	if c.MinMarginPct == 0 {
		c.MinMarginPct = 10
	}
	if c.SpendGuardShare == 0 {
		c.SpendGuardShare = 0.9
	}
}

// Evaluate walks the decision table, first match wins.
func (c Config) Evaluate(in Inputs) Decision {
	d := Decision{Action: ActionHold, From: in.Workers, To: in.Workers}
	pressure := in.P95Ms > c.PressureP95Ms || in.QueueDepth > c.PressureDepth
	idle := in.P95Ms < c.IdleP95Ms && in.QueueDepth == 0

	switch {
	case in.StabilizeOn:
		d.Reason = "stabilize"
	case !in.AutoscaleEnabled:
		d.Reason = "disabled"
	case pressure && in.SpendUSD >= c.SpendGuardShare*c.DailySpendLimit:
		d.Action, d.Reason = ActionFreeze, "spend_guard"
	case pressure && in.MarginPct < c.MinMarginPct:
		d.Action, d.Reason = ActionFreeze, "profit_guard"
	case pressure && in.RollupAge > c.ProfitStaleMax:
		// A stale profit rollup blocks scale up: better to hold than to
		// spend against numbers nobody has refreshed.
		d.Reason = "profit_stale"
	case pressure && in.Workers < c.Max:
		if in.InCooldown {
			d.Reason = "cooldown"
			break
		}
		d.Action, d.Reason, d.To = ActionScaleUp, "pressure", in.Workers+1
	case idle && in.IdleStreak >= 1 && in.Workers > c.Min:
		if in.InCooldown {
			d.Reason = "cooldown"
			break
		}
		d.Action, d.Reason, d.To = ActionScaleDown, "idle", in.Workers-1
	default:
		d.Reason = "steady"
	}
	return d
}

// Autoscaler runs the decision table against live state on each tick.
type Autoscaler struct {
	cfg        Config
	kv         *kvstore.Store
	flags      FlagReader
	queueDepth func() int
	latestP95  func() (float64, bool)
	emit       func(models.Event)
	setGauge   func(int)
	setCost    func(float64)
	now        func() time.Time

	idleStreak int
}

// FlagReader is the narrow slice of the flag store the autoscaler needs.
type FlagReader interface {
	IsEnabled(name, userID, env string) bool
}

// New wires an autoscaler. latestP95 reports the current p95 and whether a
// fresh snapshot exists; setGauge updates the scrape surface and may be nil.
func New(cfg Config, kv *kvstore.Store, flags FlagReader, queueDepth func() int,
	latestP95 func() (float64, bool), emit func(models.Event), setGauge func(int), now func() time.Time) *Autoscaler {
	cfg.defaults()
	if emit == nil {
		emit = func(models.Event) {}
	}
	if setGauge == nil {
		setGauge = func(int) {}
	}
	if now == nil {
		now = time.Now
	}
	return &Autoscaler{cfg: cfg, kv: kv, flags: flags, queueDepth: queueDepth,
		latestP95: latestP95, emit: emit, setGauge: setGauge,
		setCost: func(float64) {}, now: now}
}

// SetCostGauge wires the 24h spend gauge; the autoscaler is the one reader
// of the finance rollup, so it publishes the number it acts on.
func (a *Autoscaler) SetCostGauge(fn func(float64)) {
	if fn != nil {
		a.setCost = fn
	}
}

// Tick gathers inputs, evaluates the table and applies the outcome. Scale
// actions update worker_count via CAS and arm the cooldown; a lost CAS means
// another instance acted and is treated as success.
func (a *Autoscaler) Tick() (Decision, error) {
	now := a.now().UTC()
	in := Inputs{
		StabilizeOn:      a.flags.IsEnabled(models.FlagStabilizeMode, "", a.cfg.Environment),
		AutoscaleEnabled: a.flags.IsEnabled(models.FlagAutoscaleEnabled, "", a.cfg.Environment),
		QueueDepth:       a.queueDepth(),
		IdleStreak:       a.idleStreak,
	}
	if p95, ok := a.latestP95(); ok {
		in.P95Ms = p95
	}

	in.Workers = a.cfg.Min
	casExpected := "" // empty claims an absent key
	if raw, err := a.kv.Get(WorkerCountKey); err == nil {
		casExpected = raw
		if n, err := strconv.Atoi(raw); err == nil {
			in.Workers = n
		}
	}
	if _, err := a.kv.Get(CooldownKey); err == nil {
		in.InCooldown = true
	}

	var rollup FinanceRollup
	if err := a.kv.GetJSON(FinanceRollupKey, &rollup); err == nil {
		in.SpendUSD = rollup.SpendUSD24h
		in.MarginPct = rollup.MarginPct30d
		if updated, err := a.kv.UpdatedAt(FinanceRollupKey); err == nil {
			in.RollupAge = now.Sub(updated)
		}
	} else {
		in.RollupAge = a.cfg.ProfitStaleMax + time.Hour // no rollup at all is stale
	}
	a.setCost(in.SpendUSD)

	d := a.cfg.Evaluate(in)

	if in.P95Ms < a.cfg.IdleP95Ms && in.QueueDepth == 0 {
		a.idleStreak++
	} else {
		a.idleStreak = 0
	}

	if d.Action == ActionScaleUp || d.Action == ActionScaleDown {
		if a.cfg.DryRun {
			log.Info().Str("action", string(d.Action)).Int("to", d.To).Msg("Autoscaler: dry run, not applying")
		} else {
			took, err := a.kv.CAS(WorkerCountKey, casExpected, strconv.Itoa(d.To), 0)
			if err != nil {
				return d, err
			}
			if took {
				if err := a.kv.Put(CooldownKey, now.Format(time.RFC3339), a.cfg.Cooldown); err != nil {
					return d, err
				}
			}
			// A lost CAS means a concurrent actor already moved the count.
		}
	}

	a.setGauge(d.To)
	a.emit(models.NewEvent(models.KindAutoscaleDecision, "autoscale", map[string]any{
		"action": string(d.Action),
		"from":   d.From,
		"to":     d.To,
		"reason": d.Reason,
	}))
	log.Info().Str("action", string(d.Action)).Str("reason", d.Reason).
		Int("from", d.From).Int("to", d.To).Msg("Autoscaler decision")
	return d, nil
}

func (a *Autoscaler) String() string {
	return fmt.Sprintf("autoscale[min=%d max=%d cooldown=%s]", a.cfg.Min, a.cfg.Max, a.cfg.Cooldown)
}
