// Package queue carries training job submissions from the API surface to
// pipeline workers. Two implementations share one interface: an in-memory
// heap for single-process deployments and tests, and a Redis list for
// multi-worker deployments.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobSpec is the wire form of a job submission. It names what to do; job
// lifecycle state lives in the job store, not the queue.
type JobSpec struct {
	ID            string    `json:"id"`
	Disease       string    `json:"disease"`
	TrainStart    time.Time `json:"train_start"`
	TrainEnd      time.Time `json:"train_end"`
	ForecastStart time.Time `json:"forecast_start,omitempty"`
	ForecastEnd   time.Time `json:"forecast_end,omitempty"`
	ForecastOnly  bool      `json:"forecast_only,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// ProgressUpdate is the latest worker-reported status for a job, readable by
// the submitting process while the job runs elsewhere.
type ProgressUpdate struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Payload   string    `json:"payload,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskQueue distributes job specs to workers. Submissions are delivered at
// most once per ClaimNext; a claimed spec that is never completed is the job
// store's problem, not the queue's.
type TaskQueue interface {
	// Submit enqueues a spec and returns its ID, generating one if unset.
	Submit(ctx context.Context, spec JobSpec) (string, error)
	// ClaimNext removes and returns the oldest pending spec, or nil when
	// the queue is empty.
	ClaimNext(ctx context.Context) (*JobSpec, error)
	// ReportProgress records the latest status for a job so submitters in
	// other processes can poll it.
	ReportProgress(ctx context.Context, id, status, payload string) error
	// Progress returns the last reported update for a job, or nil when the
	// job has never reported.
	Progress(ctx context.Context, id string) (*ProgressUpdate, error)
	// Length returns the number of pending specs.
	Length(ctx context.Context) (int64, error)
	Close() error
}

// MemoryQueue is an in-process TaskQueue ordered by submission time.
type MemoryQueue struct {
	mu       sync.Mutex
	pq       specHeap
	progress map[string]ProgressUpdate
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{
		pq:       make(specHeap, 0),
		progress: make(map[string]ProgressUpdate),
	}
	heap.Init(&q.pq)
	return q
}

// Submit enqueues a spec, stamping ID and submission time if unset.
func (q *MemoryQueue) Submit(_ context.Context, spec JobSpec) (string, error) {
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.SubmittedAt.IsZero() {
		spec.SubmittedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.pq, &spec)
	return spec.ID, nil
}

// ClaimNext pops the oldest spec, or returns nil when the queue is empty.
func (q *MemoryQueue) ClaimNext(_ context.Context) (*JobSpec, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pq.Len() == 0 {
		return nil, nil
	}
	return heap.Pop(&q.pq).(*JobSpec), nil
}

// ReportProgress records the latest status for a job, replacing any earlier
// report.
func (q *MemoryQueue) ReportProgress(_ context.Context, id, status, payload string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress[id] = ProgressUpdate{
		JobID:     id,
		Status:    status,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// Progress returns the last reported update, or nil when none exists.
func (q *MemoryQueue) Progress(_ context.Context, id string) (*ProgressUpdate, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	update, ok := q.progress[id]
	if !ok {
		return nil, nil
	}
	return &update, nil
}

// Length returns the number of pending specs.
func (q *MemoryQueue) Length(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.pq.Len()), nil
}

// Close is a no-op for the in-memory implementation.
func (q *MemoryQueue) Close() error {
	return nil
}

var _ TaskQueue = (*MemoryQueue)(nil)

// specHeap implements heap.Interface ordered by SubmittedAt, oldest first.
type specHeap []*JobSpec

func (h specHeap) Len() int { return len(h) }

func (h specHeap) Less(i, j int) bool {
	return h[i].SubmittedAt.Before(h[j].SubmittedAt)
}

func (h specHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *specHeap) Push(x interface{}) {
	*h = append(*h, x.(*JobSpec))
}

func (h *specHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return item
}
