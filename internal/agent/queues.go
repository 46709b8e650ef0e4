package agent

// Task lifecycle states. A task starts pending and is stamped with its
// terminal state just before the cursor advances past it.
const (
	TaskPending = "pending"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Task is one unit of executable work. The zero value is the explicit
// empty sentinel used when a queue has drained.
type Task struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Title  string            `json:"title"`
	Params map[string]string `json:"params,omitempty"`
	Status string            `json:"status"`
}

// IsZero reports whether the task is the empty sentinel.
func (t Task) IsZero() bool { return t.ID == "" }

// Milestone is one high-level objective that tasks get planned under.
// Order is its 1-based position in the overall plan.
type Milestone struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Objective string `json:"objective,omitempty"`
	Order     int    `json:"order"`
}

// IsZero reports whether the milestone is the empty sentinel.
func (m Milestone) IsZero() bool { return m.ID == "" }

// Queues pairs the task and milestone queues with their current cursors.
// The invariant is that each cursor always mirrors the head of its queue:
// every mutation goes through Advance or the Load methods, which re-derive
// the cursors, so the two can never drift apart.
type Queues struct {
	Tasks      []Task      `json:"tasks"`
	Milestones []Milestone `json:"milestones"`

	CurrentTask      Task      `json:"current_task"`
	CurrentMilestone Milestone `json:"current_milestone"`
}

// Advance pops the head task; when that drains the task queue it also pops
// the head milestone. Cursors are re-mirrored afterwards. With no queued
// task there is nothing to advance past and the call is a no-op.
func (q *Queues) Advance() {
	if len(q.Tasks) > 0 {
		q.Tasks = q.Tasks[1:]
		if len(q.Tasks) == 0 && len(q.Milestones) > 0 {
			q.Milestones = q.Milestones[1:]
		}
	}
	q.remirror()
}

// FinishCurrent stamps the head task with its terminal status before the
// cursor advances past it. The slice is copied so earlier snapshots of the
// Queues value are not written through.
func (q *Queues) FinishCurrent(status string) {
	if len(q.Tasks) == 0 {
		return
	}
	tasks := append([]Task(nil), q.Tasks...)
	tasks[0].Status = status
	q.Tasks = tasks
	q.remirror()
}

// LoadTasks replaces the task queue wholesale and re-mirrors the cursor.
// Loading an empty list while milestones remain means more planning is
// needed; empty with no milestones left means the run is done.
func (q *Queues) LoadTasks(tasks []Task) {
	q.Tasks = append([]Task(nil), tasks...)
	for i := range q.Tasks {
		if q.Tasks[i].Status == "" {
			q.Tasks[i].Status = TaskPending
		}
	}
	q.remirror()
}

// LoadMilestones replaces the milestone queue wholesale. Milestones without
// an explicit order get their 1-based queue position.
func (q *Queues) LoadMilestones(ms []Milestone) {
	q.Milestones = append([]Milestone(nil), ms...)
	for i := range q.Milestones {
		if q.Milestones[i].Order == 0 {
			q.Milestones[i].Order = i + 1
		}
	}
	q.remirror()
}

func (q *Queues) remirror() {
	if len(q.Tasks) > 0 {
		q.CurrentTask = q.Tasks[0]
	} else {
		q.CurrentTask = Task{}
	}
	if len(q.Milestones) > 0 {
		q.CurrentMilestone = q.Milestones[0]
	} else {
		q.CurrentMilestone = Milestone{}
	}
}

// HasWork reports whether any task is queued.
func (q *Queues) HasWork() bool { return len(q.Tasks) > 0 }

// NeedsPlanning reports the drained-tasks, milestones-remaining state.
func (q *Queues) NeedsPlanning() bool {
	return len(q.Tasks) == 0 && len(q.Milestones) > 0
}

// Done reports whether both queues have drained.
func (q *Queues) Done() bool {
	return len(q.Tasks) == 0 && len(q.Milestones) == 0
}

func (q Queues) clone() Queues {
	out := q
	out.Tasks = append([]Task(nil), q.Tasks...)
	out.Milestones = append([]Milestone(nil), q.Milestones...)
	return out
}
