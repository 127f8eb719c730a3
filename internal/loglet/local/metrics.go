package local

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Storage background task instrumentation. Metric and label names are
// part of the operational contract; dashboards key on them.

type storageTaskKind string

const (
	taskWriteBatch       storageTaskKind = "write-batch"
	taskOpenColumnFamily storageTaskKind = "open-column-family"
	taskFlushWal         storageTaskKind = "flush-wal"
	taskShutdown         storageTaskKind = "shutdown"
	taskOpenDb           storageTaskKind = "open-db"
)

const (
	ownerBifrost      = "bifrost"
	priorityDefault   = "default"
	taskLabelDb       = "db"
	taskLabelOwner    = "owner"
	taskLabelKind     = "kind"
	taskLabelPriority = "priority"
)

var taskLabels = []string{taskLabelDb, taskLabelPriority, taskLabelKind, taskLabelOwner}

var (
	storageTaskInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storage_bg_task_in_flight",
		Help: "Number of storage background tasks currently running.",
	}, taskLabels)

	storageTaskWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "storage_bg_task_wait_duration_seconds",
		Help: "Time a storage background task spent queued before running.",
	}, taskLabels)

	storageTaskRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "storage_bg_task_run_duration_seconds",
		Help: "Time a storage background task spent running.",
	}, taskLabels)

	storageTaskTotalDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "storage_bg_task_total_duration_seconds",
		Help: "Time from storage background task creation to completion.",
	}, taskLabels)
)

// storageTask carries the metric identity of one background operation.
// Create it when the work is enqueued so wait time is measured from
// there.
type storageTask struct {
	db        string
	kind      storageTaskKind
	createdAt time.Time
}

func newStorageTask(db string, kind storageTaskKind) storageTask {
	return storageTask{db: db, kind: kind, createdAt: time.Now()}
}

func (t storageTask) labels() prometheus.Labels {
	return prometheus.Labels{
		taskLabelDb:       t.db,
		taskLabelPriority: priorityDefault,
		taskLabelKind:     string(t.kind),
		taskLabelOwner:    ownerBifrost,
	}
}

// run executes op, reporting in-flight, wait, run, and total durations.
func (t storageTask) run(op func() error) error {
	labels := t.labels()
	start := time.Now()

	storageTaskInFlight.With(labels).Inc()
	storageTaskWaitDuration.With(labels).Observe(start.Sub(t.createdAt).Seconds())

	err := op()

	storageTaskRunDuration.With(labels).Observe(time.Since(start).Seconds())
	storageTaskTotalDuration.With(labels).Observe(time.Since(t.createdAt).Seconds())
	storageTaskInFlight.With(labels).Dec()
	return err
}
