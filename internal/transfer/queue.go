package transfer

import (
	"sync"
)

// QueueStats holds statistics about the tasks of one run.
type QueueStats struct {
	Queued    int
	Active    int
	Retrying  int
	Completed int
	Failed    int
	Cancelled int
}

// Total returns total number of tasks in queue.
func (s QueueStats) Total() int {
	return s.Queued + s.Active + s.Retrying + s.Completed + s.Failed + s.Cancelled
}

// Settled returns the number of tasks that reached a terminal state.
func (s QueueStats) Settled() int {
	return s.Completed + s.Failed + s.Cancelled
}

// Queue is a passive tracker of every task in a run. It does not execute
// anything: workers register transitions and the queue keeps the count of
// settled tasks that feeds the [k/N] counter.
type Queue struct {
	tasks     []*Task
	tasksByID map[string]*Task
	settled   int
	mu        sync.RWMutex
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		tasksByID: make(map[string]*Task),
	}
}

// Track registers a new task in TaskQueued state.
func (q *Queue) Track(name, url, dest string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	task := NewTask(name, url, dest, len(q.tasks)+1)
	q.tasks = append(q.tasks, task)
	q.tasksByID[task.ID] = task
	return task
}

// Settle moves a task to a terminal state and returns how many tasks have
// settled so far, including this one. Settling an already terminal task does
// not count it twice.
func (q *Queue) Settle(task *Task, state TaskState, attempts int, size int64, err error) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !task.IsTerminal() {
		task.Finish(state, attempts, size, err)
		q.settled++
	}
	return q.settled
}

// CancelPending marks every task that never started as cancelled.
func (q *Queue) CancelPending() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, task := range q.tasks {
		if task.GetState() == TaskQueued {
			task.Finish(TaskCancelled, 0, 0, nil)
			q.settled++
		}
	}
}

// Len returns the number of tracked tasks.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tasks)
}

// GetStats returns current queue statistics.
func (q *Queue) GetStats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := QueueStats{}
	for _, task := range q.tasks {
		switch task.GetState() {
		case TaskQueued:
			stats.Queued++
		case TaskActive:
			stats.Active++
		case TaskRetrying:
			stats.Retrying++
		case TaskCompleted:
			stats.Completed++
		case TaskFailed:
			stats.Failed++
		case TaskCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// GetTasks returns a copy of all tasks in dispatch order.
func (q *Queue) GetTasks() []Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]Task, len(q.tasks))
	for i, task := range q.tasks {
		result[i] = task.Clone()
	}
	return result
}

// GetTask returns a copy of a specific task by ID.
func (q *Queue) GetTask(taskID string) (Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	task, exists := q.tasksByID[taskID]
	if !exists || task == nil {
		return Task{}, false
	}
	return task.Clone(), true
}
