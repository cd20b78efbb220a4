package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"majordomo/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Enabled        bool
	Workers        int
	DefaultTimeout time.Duration
	HistorySize    int
	Timezone       string // IANA TZ, e.g. "Europe/Amsterdam"
}

type OverlapPolicy int

const (
	// OverlapSkipIfRunning drops a tick while the previous run of the same
	// job is still executing. The tick is skipped, never queued.
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

type JobOptions struct {
	Overlap OverlapPolicy
}

type runState struct {
	mu      sync.Mutex
	running bool
}

type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type task struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
	state   *runState
}

type jobDef struct {
	name    string
	spec    string // cron spec or "@every <dur>"
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     JobOptions
	entryID cron.EntryID
	state   *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []jobDef

	queue    chan task
	stopCh   chan struct{}
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

type JobInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Enabled  bool
	Timezone string
	Workers  int
	QueueLen int
	Jobs     []JobInfo
	History  []HistoryItem
}
