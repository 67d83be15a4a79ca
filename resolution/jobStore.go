package resolution

import (
	"sort"
	"sync"
	"time"
)

// SearchContext is frozen when the job is enqueued and never re-read from the schedule.
type SearchContext struct {
	InvoiceNumber        string `json:"invoice_number"`
	ClientTaxId          string `json:"client_tax_id"`
	ClientSequenceNumber string `json:"client_sequence_number,omitempty"`
}

type Job struct {
	ScheduleID    int           `json:"schedule_id"`
	AttemptCount  int           `json:"attempt_count"`
	MaxAttempts   int           `json:"max_attempts"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	Search        SearchContext `json:"search"`
	LastError     string        `json:"last_error,omitempty"`
}

// JobStore holds the active jobs, at most one per schedule. The mutex only
// guards the map; no caller holds it across I/O.
type JobStore struct {
	mu   sync.Mutex
	jobs map[int]Job
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: map[int]Job{}}
}

// Add inserts job unless one already exists for the schedule.
func (s *JobStore) Add(job Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ScheduleID]; ok {
		return false
	}
	s.jobs[job.ScheduleID] = job
	return true
}

func (s *JobStore) Get(scheduleID int) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[scheduleID]
	return job, ok
}

// Update replaces an existing job. It reports false if the job is gone.
func (s *JobStore) Update(job Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ScheduleID]; !ok {
		return false
	}
	s.jobs[job.ScheduleID] = job
	return true
}

func (s *JobStore) Remove(scheduleID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[scheduleID]; !ok {
		return false
	}
	delete(s.jobs, scheduleID)
	return true
}

// Due returns copies of the jobs with NextAttemptAt <= now, oldest first.
func (s *JobStore) Due(now time.Time) []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !job.NextAttemptAt.After(now) {
			out = append(out, job)
		}
	}
	s.mu.Unlock()
	sortJobs(out)
	return out
}

func (s *JobStore) List() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	s.mu.Unlock()
	sortJobs(out)
	return out
}

func (s *JobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].NextAttemptAt.Equal(jobs[j].NextAttemptAt) {
			return jobs[i].NextAttemptAt.Before(jobs[j].NextAttemptAt)
		}
		return jobs[i].ScheduleID < jobs[j].ScheduleID
	})
}
